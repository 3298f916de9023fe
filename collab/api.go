package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
)

type DocClientSettings struct {
	// total attempts for doc creation
	CreateAttemptCount int
	// linear backoff, `CreateRetryBackoff * attempt`
	CreateRetryBackoff time.Duration

	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultDocClientSettings() *DocClientSettings {
	return &DocClientSettings{
		CreateAttemptCount: 3,
		CreateRetryBackoff: 100 * time.Millisecond,
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

func defaultClient(settings *DocClientSettings) *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
}

// the two endpoints derived from an origin for one doc
type DocEndpoints struct {
	CreateUrl string
	AuthUrl   string
}

func NewDocEndpoints(origin string, docId string) *DocEndpoints {
	origin = strings.TrimRight(origin, "/")
	return &DocEndpoints{
		CreateUrl: fmt.Sprintf("%s/doc/new", origin),
		AuthUrl:   fmt.Sprintf("%s/doc/%s/auth", origin, url.PathEscape(docId)),
	}
}

type DocArgs struct {
	DocId string `json:"docId"`
}

// DocClient provisions docs and fetches auth tokens.
//
// Concurrent calls for the same doc id share one request per operation.
// A successful creation is remembered for the life of the client, so later
// calls for that doc make no request. Auth tokens are never remembered; every
// call that arrives after a fetch settles starts a new fetch.
type DocClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings   *DocClientSettings
	httpClient *http.Client

	creates *coalesceMap[struct{}]
	auths   *coalesceMap[*AuthToken]
}

func NewDocClient(ctx context.Context, settings *DocClientSettings) *DocClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &DocClient{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		httpClient: defaultClient(settings),
		creates:    newCoalesceMap[struct{}](true),
		auths:      newCoalesceMap[*AuthToken](false),
	}
}

// ensures the doc exists on the server. Idempotent.
// `ctx` bounds only this caller's wait. The shared request runs on the client context.
func (self *DocClient) EnsureDocInitialized(ctx context.Context, docId string, createUrl string) error {
	f := self.creates.Do(docId, func() (struct{}, error) {
		return struct{}{}, self.create(docId, createUrl)
	})
	_, err := f.Wait(ctx)
	return err
}

func (self *DocClient) create(docId string, createUrl string) error {
	for attempt := 1; ; attempt += 1 {
		// any 2xx means created or already exists. The body is not read.
		_, err := post[any](self.ctx, self.httpClient, createUrl, &DocArgs{DocId: docId}, nil)
		if err == nil {
			glog.V(1).Infof("[api]create %s = ok (%d)\n", docId, attempt)
			return nil
		}
		if self.ctx.Err() != nil {
			return ErrClientClosed
		}

		var httpErr *HttpError
		if errors.As(err, &httpErr) && httpErr.Retryable() && attempt < self.settings.CreateAttemptCount {
			backoff := time.Duration(attempt) * self.settings.CreateRetryBackoff
			glog.Infof("[api]create %s attempt %d = %s. Retry in %s.\n", docId, attempt, err, backoff)
			select {
			case <-self.ctx.Done():
				return ErrClientClosed
			case <-time.After(backoff):
			}
			continue
		}

		return fmt.Errorf("create doc %s: %w", docId, err)
	}
}

// fetches a fresh token. A missing doc is recreated and the fetch retried once.
func (self *DocClient) GetAuthToken(ctx context.Context, docId string, endpoints *DocEndpoints) (*AuthToken, error) {
	f := self.auths.Do(docId, func() (*AuthToken, error) {
		return self.auth(docId, endpoints)
	})
	return f.Wait(ctx)
}

func (self *DocClient) auth(docId string, endpoints *DocEndpoints) (*AuthToken, error) {
	if err := self.EnsureDocInitialized(self.ctx, docId, endpoints.CreateUrl); err != nil {
		return nil, err
	}

	token, err := post(self.ctx, self.httpClient, endpoints.AuthUrl, &DocArgs{DocId: docId}, &AuthToken{})
	if errors.Is(err, ErrDocNotFound) {
		// the remote store lost the doc, e.g. it was reset
		glog.Infof("[api]auth %s = doc not found. Recreate.\n", docId)
		self.creates.Evict(docId)
		if err := self.EnsureDocInitialized(self.ctx, docId, endpoints.CreateUrl); err != nil {
			return nil, err
		}
		token, err = post(self.ctx, self.httpClient, endpoints.AuthUrl, &DocArgs{DocId: docId}, &AuthToken{})
	}
	if err != nil {
		if self.ctx.Err() != nil {
			return nil, ErrClientClosed
		}
		return nil, fmt.Errorf("auth doc %s: %w", docId, err)
	}
	return token, nil
}

// cancels in-flight requests
func (self *DocClient) Close() {
	self.cancel()
}

// a nil `result` ignores the response body
func post[R any](ctx context.Context, client *http.Client, url string, args any, result R) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	r, err := client.Do(req)
	if err != nil {
		var empty R
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		var empty R
		return empty, &HttpError{
			StatusCode: r.StatusCode,
			Message:    strings.TrimSpace(string(responseBodyBytes)),
		}
	}

	if err != nil {
		var empty R
		return empty, err
	}

	if any(result) != nil && 0 < len(responseBodyBytes) {
		err = json.Unmarshal(responseBodyBytes, result)
		if err != nil {
			var empty R
			return empty, err
		}
	}

	return result, nil
}
