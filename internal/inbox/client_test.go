package inbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ortusmarket/convo-core/internal/models"
)

func TestGetThreadsEncodesFilter(t *testing.T) {
	kind := models.ThreadKindRFQ
	status := models.ThreadStatusOpen

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		require.Equal(t, "rfq", r.URL.Query().Get("kind"))
		require.Equal(t, "open", r.URL.Query().Get("status"))
		require.Equal(t, "seller-1", r.URL.Query().Get("counterpart_id"))

		_ = json.NewEncoder(w).Encode([]models.Thread{{ID: "t1", Subject: "Bulk pricing"}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok-1", zerolog.Nop())
	threads, err := client.GetThreads(context.Background(), ThreadFilter{
		Kind:          &kind,
		Status:        &status,
		CounterpartID: "seller-1",
	})
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Equal(t, "t1", threads[0].ID)
}

func TestSendMessageCarriesCorrelationID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/threads/t1/messages", r.URL.Path)

		var in SendMessageInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "corr-1", in.CorrelationID)
		require.Equal(t, "hello", in.Content)

		_ = json.NewEncoder(w).Encode(models.Message{ID: "srv-1", ThreadID: "t1", Content: in.Content, CorrelationID: in.CorrelationID})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())
	sent, err := client.SendMessage(context.Background(), "t1", SendMessageInput{Content: "hello", CorrelationID: "corr-1"})
	require.NoError(t, err)
	require.Equal(t, "srv-1", sent.ID)
	require.Equal(t, "corr-1", sent.CorrelationID)
}

func TestErrorResponsesIncludeStatusAndSnippet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"thread is resolved"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())
	_, err := client.SendMessage(context.Background(), "t1", SendMessageInput{Content: "hello"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "422")
	require.Contains(t, err.Error(), "thread is resolved")
}

func TestUploadFilesSendsMultipartWithVoiceDuration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/uploads", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1 << 20))

		files := r.MultipartForm.File["files"]
		require.Len(t, files, 2)
		require.Equal(t, "photo.png", files[0].Filename)
		require.Equal(t, "voice.ogg", files[1].Filename)
		require.Equal(t, "4.20", r.FormValue("voice_duration"))

		_ = json.NewEncoder(w).Encode([]models.Attachment{
			{Kind: models.AttachmentImage, FileName: "photo.png", URL: "https://cdn/photo.png"},
			{Kind: models.AttachmentVoice, FileName: "voice.ogg", URL: "https://cdn/voice.ogg"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())

	var mu sync.Mutex
	progressed := map[string]int{}
	duration := 4.2

	attachments, err := client.UploadFiles(context.Background(),
		[]UploadFile{
			{Name: "photo.png", Data: []byte("png bytes")},
			{Name: "voice.ogg", Data: []byte("ogg bytes")},
		},
		&duration,
		func(name string, pct int) {
			mu.Lock()
			defer mu.Unlock()
			progressed[name] = pct
		},
	)
	require.NoError(t, err)
	require.Len(t, attachments, 2)
	require.Equal(t, 100, progressed["photo.png"])
	require.Equal(t, 100, progressed["voice.ogg"])
}

func TestMarkThreadAsReadHitsReadEndpoint(t *testing.T) {
	var called bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/threads/t1/read", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())
	require.NoError(t, client.MarkThreadAsRead(context.Background(), "t1"))
	require.True(t, called)
}
