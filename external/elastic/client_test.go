package elastic

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bulkServer struct {
	lines    []string
	response string
}

func (b *bulkServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		b.lines = append(b.lines, scanner.Text())
	}
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(b.response))
}

func newTestClient(t *testing.T, server *bulkServer) *Client {
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{
		Addresses:        []string{srv.URL},
		Timeout:          time.Second,
		RemediationIndex: "remediations",
		DeadLetterIndex:  "dead-letters",
	})
	require.NoError(t, err)
	return client
}

func TestClient_IndexRemediation(t *testing.T) {
	server := &bulkServer{response: `{"errors":false,"items":[{"index":{"status":201}}]}`}
	client := newTestClient(t, server)

	record := entities.RemediationRecord{
		JobID:       "job-1",
		PoolID:      "0x11",
		CurrentTick: -5,
		TokenIDs:    []string{"1", "2"},
		TxHash:      common.HexToHash("0xfe"),
		BlockNumber: 10,
	}
	require.NoError(t, client.IndexRemediation(context.Background(), record))

	require.Len(t, server.lines, 2)
	assert.Equal(t, `{ "index": { "_index": "remediations", "_id": "job-1" } }`, server.lines[0])
	var indexed entities.RemediationRecord
	require.NoError(t, json.Unmarshal([]byte(server.lines[1]), &indexed))
	assert.Equal(t, record.TokenIDs, indexed.TokenIDs)
	assert.Equal(t, record.TxHash, indexed.TxHash)
}

func TestClient_IndexDeadLetter(t *testing.T) {
	server := &bulkServer{response: `{"errors":false,"items":[{"index":{"status":201}}]}`}
	client := newTestClient(t, server)

	require.NoError(t, client.IndexDeadLetter(context.Background(), entities.DeadLetterRecord{JobID: "job-1", Attempt: 4}))
	require.Len(t, server.lines, 2)
	assert.True(t, strings.Contains(server.lines[0], `"_index": "dead-letters", "_id": "job-1-4"`))
}

func TestClient_givenItemError_thenError(t *testing.T) {
	server := &bulkServer{response: `{"errors":true,"items":[{"index":{"status":400,"error":{"type":"mapper_parsing_exception","reason":"bad"}}}]}`}
	client := newTestClient(t, server)

	err := client.IndexRemediation(context.Background(), entities.RemediationRecord{JobID: "job-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
