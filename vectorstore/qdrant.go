package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/internal/tlsutil"
)

// QdrantConfig configures the Qdrant-backed Store.
//
// Notes:
// - Qdrant point IDs are UUIDs; the store derives a stable UUID from Record.ID.
// - Persona, emotion and insertion sequence live in the point payload.
type QdrantConfig struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	BaseURL    string        `json:"base_url,omitempty"`
	APIKey     string        `json:"api_key,omitempty"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Dimensions int           `json:"dimensions,omitempty"`
	PageSize   int           `json:"page_size,omitempty"`
}

// QdrantStore implements Store using Qdrant's REST API.
type QdrantStore struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger
	lastSeq atomic.Int64

	ensureMu sync.Mutex
	ensured  bool
}

// NewQdrantStore creates a Qdrant-backed Store.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "persona_references"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 256
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantStore{
		cfg:     cfg,
		baseURL: baseURL,
		client:  tlsutil.SecureHTTPClient(cfg.Timeout),
		logger:  logger.With(zap.String("component", "qdrant_store")),
	}
}

var qdrantNamespace = uuid.MustParse("5b0c7f1e-2d7a-4c39-9f3e-8e1d6a4b2c90")

func qdrantPointID(recordID string) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(recordID)).String()
}

type qdrantPayload struct {
	RecordID  string `json:"record_id"`
	PersonaID string `json:"persona_id"`
	Emotion   string `json:"emotion"`
	Location  string `json:"location,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Seq       int64  `json:"seq"`
	CreatedAt string `json:"created_at"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector,omitempty"`
	Payload qdrantPayload `json:"payload"`
}

func (p *qdrantPoint) toRecord() Record {
	created, _ := time.Parse(time.RFC3339Nano, p.Payload.CreatedAt)
	return Record{
		ID:        p.Payload.RecordID,
		PersonaID: p.Payload.PersonaID,
		Emotion:   p.Payload.Emotion,
		Vector:    Float32ToFloat64(p.Vector),
		Location:  p.Payload.Location,
		Caption:   p.Payload.Caption,
		Seq:       p.Payload.Seq,
		CreatedAt: created,
	}
}

type qdrantCondition struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must,omitempty"`
}

func toQdrantFilter(f Filter) *qdrantFilter {
	out := &qdrantFilter{}
	add := func(key, value string) {
		if value == "" {
			return
		}
		c := qdrantCondition{Key: key}
		c.Match.Value = value
		out.Must = append(out.Must, c)
	}
	add("persona_id", f.PersonaID)
	add("emotion", f.Emotion)
	if len(out.Must) == 0 {
		return nil
	}
	return out
}

func (s *QdrantStore) ensureCollection(ctx context.Context, vectorSize int) error {
	if vectorSize <= 0 {
		return fmt.Errorf("qdrant vector size must be > 0")
	}

	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	path := "/collections/" + url.PathEscape(s.cfg.Collection)
	status, raw, err := s.do(ctx, http.MethodPut, path, body)
	if err != nil {
		return err
	}
	// Qdrant returns 409 if collection exists.
	if status != http.StatusConflict && (status < 200 || status >= 300) {
		return fmt.Errorf("qdrant create collection failed: status=%d body=%s", status, string(raw))
	}

	s.ensured = true
	s.logger.Info("qdrant collection ready",
		zap.String("collection", s.cfg.Collection),
		zap.Int("dimensions", vectorSize))
	return nil
}

func (s *QdrantStore) do(ctx context.Context, method, path string, in any) (int, []byte, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, err
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in, out any) error {
	status, raw, err := s.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s", method, path, status, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (s *QdrantStore) pointsPath(suffix string) string {
	return "/collections/" + url.PathEscape(s.cfg.Collection) + "/points" + suffix
}

func (s *QdrantStore) nextSeq() int64 {
	for {
		now := time.Now().UnixNano()
		last := s.lastSeq.Load()
		if now <= last {
			now = last + 1
		}
		if s.lastSeq.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (s *QdrantStore) Upsert(ctx context.Context, rec Record) error {
	if err := validateRecord(&rec, s.cfg.Dimensions); err != nil {
		return err
	}
	if err := s.ensureCollection(ctx, len(rec.Vector)); err != nil {
		return storeErr("ensure collection", err)
	}

	pointID := qdrantPointID(rec.ID)
	existing, err := s.retrieve(ctx, pointID)
	if err != nil {
		return storeErr("retrieve", err)
	}

	if existing != nil {
		rec.Seq = existing.Payload.Seq
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, existing.Payload.CreatedAt)
	} else {
		rec.Seq = s.nextSeq()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
	}

	req := struct {
		Points []qdrantPoint `json:"points"`
	}{
		Points: []qdrantPoint{{
			ID:     pointID,
			Vector: Float64ToFloat32(rec.Vector),
			Payload: qdrantPayload{
				RecordID:  rec.ID,
				PersonaID: rec.PersonaID,
				Emotion:   rec.Emotion,
				Location:  rec.Location,
				Caption:   rec.Caption,
				Seq:       rec.Seq,
				CreatedAt: rec.CreatedAt.Format(time.RFC3339Nano),
			},
		}},
	}

	if err := s.doJSON(ctx, http.MethodPut, s.pointsPath("?wait=true"), req, nil); err != nil {
		return storeErr("upsert", err)
	}

	s.logger.Debug("qdrant upsert completed", zap.String("id", rec.ID))
	return nil
}

func (s *QdrantStore) retrieve(ctx context.Context, pointID string) (*qdrantPoint, error) {
	req := map[string]any{
		"ids":          []string{pointID},
		"with_payload": true,
		"with_vector":  false,
	}
	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	status, raw, err := s.do(ctx, http.MethodPost, s.pointsPath(""), req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("qdrant retrieve failed: status=%d body=%s", status, string(raw))
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	return &resp.Result[0], nil
}

func (s *QdrantStore) Query(ctx context.Context, personaID, emotion string, k int) ([]Record, error) {
	if k <= 0 {
		return []Record{}, nil
	}
	records, err := s.scroll(ctx, Filter{PersonaID: personaID, Emotion: emotion})
	if err != nil {
		return nil, storeErr("scroll", err)
	}
	return rankByCentroid(records, k), nil
}

// scroll pages through every point matching the filter, vectors included.
func (s *QdrantStore) scroll(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		out    []Record
		offset any
	)
	for {
		req := map[string]any{
			"limit":        s.cfg.PageSize,
			"with_payload": true,
			"with_vector":  true,
		}
		if f := toQdrantFilter(filter); f != nil {
			req["filter"] = f
		}
		if offset != nil {
			req["offset"] = offset
		}

		var resp struct {
			Result struct {
				Points         []qdrantPoint `json:"points"`
				NextPageOffset any           `json:"next_page_offset"`
			} `json:"result"`
		}
		status, raw, err := s.do(ctx, http.MethodPost, s.pointsPath("/scroll"), req)
		if err != nil {
			return nil, err
		}
		// Collection not created yet: nothing stored.
		if status == http.StatusNotFound {
			return []Record{}, nil
		}
		if status < 200 || status >= 300 {
			return nil, fmt.Errorf("qdrant scroll failed: status=%d body=%s", status, string(raw))
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, err
		}

		for i := range resp.Result.Points {
			out = append(out, resp.Result.Points[i].toRecord())
		}
		if resp.Result.NextPageOffset == nil || len(resp.Result.Points) == 0 {
			break
		}
		offset = resp.Result.NextPageOffset
	}

	sortMatchesBySeq(out)
	return out, nil
}

func sortMatchesBySeq(records []Record) {
	ms := make([]Match, len(records))
	for i := range records {
		ms[i] = Match{Record: records[i]}
	}
	sortMatches(ms)
	for i := range ms {
		records[i] = ms[i].Record
	}
}

func (s *QdrantStore) Search(ctx context.Context, vector []float64, k int, filter Filter) ([]Match, error) {
	if err := validateQuery(vector, s.cfg.Dimensions); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Match{}, nil
	}

	req := map[string]any{
		"vector":       Float64ToFloat32(vector),
		"limit":        k,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := toQdrantFilter(filter); f != nil {
		req["filter"] = f
	}

	var resp struct {
		Result []struct {
			qdrantPoint
			Score float64 `json:"score"`
		} `json:"result"`
	}
	if err := s.doJSON(ctx, http.MethodPost, s.pointsPath("/search"), req, &resp); err != nil {
		return nil, storeErr("search", err)
	}

	out := make([]Match, 0, len(resp.Result))
	for i := range resp.Result {
		out = append(out, Match{Record: resp.Result[i].toRecord(), Score: resp.Result[i].Score})
	}
	sortMatches(out)
	return out, nil
}

func (s *QdrantStore) Delete(ctx context.Context, ids ...string) error {
	points := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		points = append(points, qdrantPointID(id))
	}
	if len(points) == 0 {
		return nil
	}

	req := map[string]any{"points": points}
	if err := s.doJSON(ctx, http.MethodPost, s.pointsPath("/delete?wait=true"), req, nil); err != nil {
		return storeErr("delete", err)
	}
	return nil
}

func (s *QdrantStore) DeleteByPersona(ctx context.Context, personaID string) (int, error) {
	n, err := s.Count(ctx, Filter{PersonaID: personaID})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	req := map[string]any{"filter": toQdrantFilter(Filter{PersonaID: personaID})}
	if err := s.doJSON(ctx, http.MethodPost, s.pointsPath("/delete?wait=true"), req, nil); err != nil {
		return 0, storeErr("delete by persona", err)
	}
	return n, nil
}

func (s *QdrantStore) Count(ctx context.Context, filter Filter) (int, error) {
	req := map[string]any{"exact": true}
	if f := toQdrantFilter(filter); f != nil {
		req["filter"] = f
	}

	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	status, raw, err := s.do(ctx, http.MethodPost, s.pointsPath("/count"), req)
	if err != nil {
		return 0, storeErr("count", err)
	}
	if status == http.StatusNotFound {
		return 0, nil
	}
	if status < 200 || status >= 300 {
		return 0, storeErr("count", fmt.Errorf("qdrant count failed: status=%d body=%s", status, string(raw)))
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, storeErr("count", err)
	}
	return resp.Result.Count, nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.doJSON(ctx, http.MethodGet, "/collections", nil, nil))
}

func (s *QdrantStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
