package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

const (
	defaultReconnectMin = 1 * time.Second
	defaultReconnectMax = 30 * time.Second
	maxErrorBody        = 4096
)

// HTTPStore talks to a JSON record service addressed as {base}/{path}.json.
// Conditional writes send the expected stamp in If-Match; the service replies 412 on mismatch.
// Subscriptions read a text/event-stream of put and patch events.
type HTTPStore struct {
	baseURL string
	tokens  oauth2.TokenSource
	client  *http.Client
	log     *logging.Logger

	reconnectMin time.Duration
	reconnectMax time.Duration
}

// NewHTTPStore creates an HTTPStore. tokens may be nil for unauthenticated services.
func NewHTTPStore(baseURL string, tokens oauth2.TokenSource, client *http.Client, logger *logging.Logger) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &HTTPStore{
		baseURL:      strings.TrimRight(baseURL, "/"),
		tokens:       tokens,
		client:       client,
		log:          logger.With(map[string]interface{}{"component": "remote_http"}),
		reconnectMin: defaultReconnectMin,
		reconnectMax: defaultReconnectMax,
	}
}

// SetReconnect overrides the subscription reconnect backoff bounds.
func (s *HTTPStore) SetReconnect(min, max time.Duration) {
	s.reconnectMin = min
	s.reconnectMax = max
}

func (s *HTTPStore) url(path string) (string, error) {
	p, err := CleanPath(path)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/" + p + ".json", nil
}

func (s *HTTPStore) authorize(req *http.Request) error {
	if s.tokens == nil {
		return nil
	}
	tok, err := s.tokens.Token()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncAuthFailed, "obtain access token", err)
	}
	if !tok.Valid() {
		return apperrors.New(apperrors.ErrSyncAuthFailed, "access token is not valid")
	}
	tok.SetAuthHeader(req)
	return nil
}

// do sends one request. Non-2xx replies become coded errors; 404 is returned as ErrNotFound.
func (s *HTTPStore) do(ctx context.Context, method, path string, body interface{}, header http.Header, out interface{}) error {
	target, err := s.url(path)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "encode record", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := s.authorize(req); err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.Transport(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apperrors.FromStatus(resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Transport("decode "+path, err)
	}
	return nil
}

func ifMatch(expected int64) http.Header {
	return http.Header{"If-Match": []string{strconv.Quote(strconv.FormatInt(expected, 10))}}
}

// Set implements Store.
func (s *HTTPStore) Set(ctx context.Context, path string, value map[string]interface{}) error {
	return s.do(ctx, http.MethodPut, path, value, nil, nil)
}

// Update implements Store.
func (s *HTTPStore) Update(ctx context.Context, path string, partial map[string]interface{}) error {
	return s.do(ctx, http.MethodPatch, path, partial, nil, nil)
}

// Remove implements Store.
func (s *HTTPStore) Remove(ctx context.Context, path string) error {
	return s.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// CompareAndSet implements ConditionalStore.
func (s *HTTPStore) CompareAndSet(ctx context.Context, path string, expected int64, value map[string]interface{}) error {
	return s.do(ctx, http.MethodPut, path, value, ifMatch(expected), nil)
}

// CompareAndUpdate implements ConditionalStore.
func (s *HTTPStore) CompareAndUpdate(ctx context.Context, path string, expected int64, partial map[string]interface{}) error {
	return s.do(ctx, http.MethodPatch, path, partial, ifMatch(expected), nil)
}

// Get implements Store. A 404 or a JSON null body means the record is absent.
func (s *HTTPStore) Get(ctx context.Context, path string) (*models.RemoteRecord, error) {
	var data map[string]interface{}
	err := s.do(ctx, http.MethodGet, path, nil, nil, &data)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return models.RecordFromFields(path, data), nil
}

// streamEvent is the data line of a put or patch event.
type streamEvent struct {
	Path string      `json:"path"`
	Data interface{} `json:"data"`
}

// Subscribe implements Store. The stream reconnects with doubling backoff until closed.
// A rejected credential ends the subscription with a final error snapshot.
func (s *HTTPStore) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	target, err := s.url(path)
	if err != nil {
		return nil, err
	}

	sub, ctx, events := newSubscription(ctx, 16)
	go func() {
		defer sub.finish(events)
		s.subscribeLoop(ctx, path, target, events)
	}()
	return sub, nil
}

func (s *HTTPStore) subscribeLoop(ctx context.Context, path, target string, events chan<- Snapshot) {
	delay := s.reconnectMin
	for {
		connected, err := s.stream(ctx, path, target, events)
		if ctx.Err() != nil {
			return
		}
		if apperrors.Is(err, apperrors.ErrSyncAuthFailed) {
			s.emit(ctx, events, Snapshot{Path: path, Err: err})
			return
		}
		if connected {
			delay = s.reconnectMin
		}
		if err != nil {
			s.log.Warn("Subscription stream ended", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
				"retry": delay.String(),
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.reconnectMax {
			delay = s.reconnectMax
		}
	}
}

// stream reads one connection. connected reports whether the server accepted the stream.
func (s *HTTPStore) stream(ctx context.Context, path, target string, events chan<- Snapshot) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if err := s.authorize(req); err != nil {
		return false, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, apperrors.Transport("subscribe "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return false, apperrors.FromStatus(resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var (
		state     map[string]interface{}
		eventType string
		dataBuf   strings.Builder
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType != "" || dataBuf.Len() > 0 {
				next, err := s.dispatch(eventType, dataBuf.String(), state)
				switch {
				case err != nil && apperrors.Is(err, apperrors.ErrSyncAuthFailed):
					return true, err
				case err != nil:
					s.log.Warn("Skipping malformed stream event", map[string]interface{}{
						"path":  path,
						"event": eventType,
						"error": err.Error(),
					})
				case next.changed:
					state = next.state
					s.emit(ctx, events, Snapshot{Path: path, Record: recordOf(path, state)})
				}
			}
			eventType = ""
			dataBuf.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return true, apperrors.Transport("read stream "+path, err)
	}
	return true, nil
}

type applied struct {
	state   map[string]interface{}
	changed bool
}

func (s *HTTPStore) dispatch(eventType, data string, state map[string]interface{}) (applied, error) {
	switch eventType {
	case "keep-alive":
		return applied{}, nil
	case "cancel", "auth_revoked":
		return applied{}, apperrors.New(apperrors.ErrSyncAuthFailed, "subscription "+eventType)
	case "put", "patch":
	default:
		return applied{}, fmt.Errorf("unknown event %q", eventType)
	}

	var ev streamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return applied{}, err
	}
	segments := splitPath(ev.Path)
	next := copyFields(state)

	if eventType == "put" {
		if len(segments) == 0 {
			obj, _ := ev.Data.(map[string]interface{})
			return applied{state: obj, changed: true}, nil
		}
		return applied{state: setAt(next, segments, ev.Data), changed: true}, nil
	}

	fields, ok := ev.Data.(map[string]interface{})
	if !ok {
		return applied{}, fmt.Errorf("patch data is not an object")
	}
	for k, v := range fields {
		next = setAt(next, append(append([]string(nil), segments...), splitPath(k)...), v)
	}
	return applied{state: next, changed: true}, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// setAt writes value at the nested segments of state; a nil value deletes the key.
func setAt(state map[string]interface{}, segments []string, value interface{}) map[string]interface{} {
	if state == nil {
		if value == nil {
			return nil
		}
		state = make(map[string]interface{})
	}
	key := segments[0]
	if len(segments) == 1 {
		if value == nil {
			delete(state, key)
		} else {
			state[key] = value
		}
	} else {
		child, _ := state[key].(map[string]interface{})
		child = setAt(copyFields(child), segments[1:], value)
		if len(child) == 0 {
			delete(state, key)
		} else {
			state[key] = child
		}
	}
	if len(state) == 0 {
		return nil
	}
	return state
}

func recordOf(path string, state map[string]interface{}) *models.RemoteRecord {
	if state == nil {
		return nil
	}
	return models.RecordFromFields(path, copyFields(state))
}

func (s *HTTPStore) emit(ctx context.Context, events chan<- Snapshot, snap Snapshot) {
	select {
	case events <- snap:
	case <-ctx.Done():
	}
}

var _ ConditionalStore = (*HTTPStore)(nil)
