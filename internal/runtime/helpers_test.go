package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Trace-Hop")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("X-Trace-Hop", "1")
	h.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-cache")

	stripHopHeaders(h)

	require.Equal(t, http.Header{
		"Content-Type":  {"application/json"},
		"Cache-Control": {"no-cache"},
	}, h)
}

func TestDecodeMessage(t *testing.T) {
	cases := map[string]struct {
		data    string
		want    string
		wantErr bool
	}{
		"skip waiting":  {data: `{"type":"SKIP_WAITING"}`, want: "SKIP_WAITING"},
		"extra fields":  {data: `{"type":"PING","at":12}`, want: "PING"},
		"missing type":  {data: `{"kind":"SKIP_WAITING"}`, wantErr: true},
		"empty type":    {data: `{"type":""}`, wantErr: true},
		"not json":      {data: `SKIP_WAITING`, wantErr: true},
		"json array":    {data: `["SKIP_WAITING"]`, wantErr: true},
		"empty payload": {data: ``, wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			msg, err := decodeMessage([]byte(tc.data))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, msg.Type)
			require.JSONEq(t, tc.data, string(msg.Data))
		})
	}
}

func TestRequestCorrelationID(t *testing.T) {
	w := &Worker{correlationHeader: "X-Request-ID"}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "  abc-123 ")
	require.Equal(t, "abc-123", w.requestCorrelationID(req))

	generated := w.requestCorrelationID(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Len(t, generated, 32)
	require.NotEqual(t, generated, w.requestCorrelationID(httptest.NewRequest(http.MethodGet, "/", nil)))

	unset := &Worker{}
	require.Len(t, unset.requestCorrelationID(req), 32)
}

func TestFetchSourceDefaultsToNetwork(t *testing.T) {
	holder := &fetchSource{}
	ctx := withFetchSource(context.Background(), holder)
	require.Equal(t, "network", holder.get())

	recordSource(ctx, "cache")
	require.Equal(t, "cache", holder.get())

	// Without a holder the call is a no-op.
	recordSource(context.Background(), "offline")
	require.Equal(t, "cache", holder.get())
}
