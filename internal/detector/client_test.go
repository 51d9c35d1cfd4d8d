package detector

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL: server.URL + "/",
		Timeout: 5 * time.Second,
		Retry:   service.RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond},
	}, nil)
	require.NoError(t, err)
	return client
}

func TestDetect(t *testing.T) {
	annotated := base64.StdEncoding.EncodeToString([]byte("png bytes"))

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/predict/", r.URL.Path)

		file, header, err := r.FormFile("image")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer func() { _ = file.Close() }()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "arm.jpg", header.Filename)
		assert.Equal(t, "jpeg", string(data))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"predictions": [
				{"xmin": 10, "ymin": 20, "xmax": 50, "ymax": 60, "name": "nevus", "confidence": 0.91, "class": 0}
			],
			"result_image": "` + annotated + `"
		}`))
	})

	resp, err := client.Detect(context.Background(), "arm.jpg", []byte("jpeg"))
	require.NoError(t, err)
	require.Len(t, resp.Predictions, 1)

	box := resp.Predictions[0]
	assert.Equal(t, "nevus", box.Label)
	assert.InDelta(t, 50.0, box.XMax, 1e-9)
	require.NotNil(t, box.Confidence)
	assert.InDelta(t, 0.91, *box.Confidence, 1e-9)
	assert.Equal(t, []byte("png bytes"), resp.ResultImage)
}

func TestDetect_NoPredictions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"predictions": []}`))
	})

	resp, err := client.Detect(context.Background(), "a.jpg", []byte("x"))
	require.NoError(t, err)
	assert.NotNil(t, resp.Predictions)
	assert.Empty(t, resp.Predictions)
	assert.Nil(t, resp.ResultImage)
}

func TestDetect_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message": "model not loaded"}`))
			return
		}
		_, _ = w.Write([]byte(`{"predictions": []}`))
	})

	_, err := client.Detect(context.Background(), "a.jpg", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDetect_GivesUpOnServerErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Detect(context.Background(), "a.jpg", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrMaxRetries)
}

func TestDetect_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "not an image"}`))
	})

	_, err := client.Detect(context.Background(), "a.jpg", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an image")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDetect_InvalidPredictions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"predictions": [{"xmin": 1, "ymin": 2, "xmax": 3, "name": "x"}]}`))
	})

	_, err := client.Detect(context.Background(), "a.jpg", []byte("x"))
	assert.ErrorIs(t, err, model.ErrInvalidBox)
}

func TestDetect_EmptyImage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	})

	_, err := client.Detect(context.Background(), "a.jpg", nil)
	assert.Error(t, err)
}

func TestReloadModelAndPing(t *testing.T) {
	var reloaded atomic.Bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/reload-model/":
			reloaded.Store(true)
			_, _ = w.Write([]byte(`{"status": "success"}`))
		case "/":
			_, _ = w.Write([]byte(`{"message": "running"}`))
		default:
			http.NotFound(w, r)
		}
	})

	require.NoError(t, client.ReloadModel(context.Background()))
	assert.True(t, reloaded.Load())
	assert.NoError(t, client.Ping(context.Background()))
}

func TestDecodeImage_DataURI(t *testing.T) {
	data, err := decodeImage("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}
