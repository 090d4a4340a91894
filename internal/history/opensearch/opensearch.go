package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/craftvisor/internal/history"
)

// Sink indexes events into OpenSearch (or Elasticsearch) over the REST API.
// Documents go to a daily index "<index>-YYYY.MM.DD" keyed by a name-based
// UUID, so re-sending the same event overwrites instead of duplicating.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

func (s *Sink) indexFor(t time.Time) string {
	return s.index + "-" + t.UTC().Format("2006.01.02")
}

// docID derives a stable id from the fields that identify one occurrence.
func docID(e history.Event) string {
	key := string(e.Type) + "|" + strconv.FormatInt(e.ServerID, 10) + "|" +
		strconv.FormatInt(e.ScheduleID, 10) + "|" + e.OccurredAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.indexFor(e.OccurredAt), docID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
