package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// headerLog records request headers seen by a fake storage service.
type headerLog struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (l *headerLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, r.Clone(context.Background()))
}

func (l *headerLog) last(method string) *http.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.reqs) - 1; i >= 0; i-- {
		if l.reqs[i].Method == method {
			return l.reqs[i]
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Azure
// ---------------------------------------------------------------------------

func azureError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("x-ms-error-code", code)
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func newTestAzureStore(t *testing.T, h http.HandlerFunc) *AzureStore {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	key := base64.StdEncoding.EncodeToString([]byte("test-account-key"))
	s, err := NewAzureStore("devaccount", key, "flurry", srv.URL+"/")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAzureStoreGet(t *testing.T) {
	s := newTestAzureStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/missing.csv"):
			azureError(w, http.StatusNotFound, "BlobNotFound")
		case strings.HasSuffix(r.URL.Path, "/denied.csv"):
			azureError(w, http.StatusForbidden, "AuthorizationFailure")
		default:
			w.Header().Set("ETag", `"0x8DC1"`)
			w.Header().Set("Content-Length", "8")
			w.Write([]byte("key,date"))
		}
	})
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing.csv"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	_, err := s.Get(ctx, "denied.csv")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Get(denied) error = %v, want a read failure that is not ErrNotFound", err)
	}

	b, err := s.Get(ctx, "flurry.csv")
	if err != nil {
		t.Fatal(err)
	}
	if string(b.Data) != "key,date" || b.Version != `"0x8DC1"` {
		t.Errorf("Get = %q version %q", b.Data, b.Version)
	}
}

func TestAzureStoreConditionalPut(t *testing.T) {
	var seen headerLog
	s := newTestAzureStore(t, func(w http.ResponseWriter, r *http.Request) {
		seen.add(r)
		if r.Header.Get("If-None-Match") == "*" {
			azureError(w, http.StatusConflict, "BlobAlreadyExists")
			return
		}
		azureError(w, http.StatusPreconditionFailed, "ConditionNotMet")
	})
	ctx := context.Background()

	_, err := s.Put(ctx, "flurry.csv", []byte("a"), PutOptions{IfVersion: `"0x8DC1"`})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Put(IfVersion) error = %v, want ErrConflict", err)
	}
	if req := seen.last(http.MethodPut); req == nil || req.Header.Get("If-Match") != `"0x8DC1"` {
		t.Errorf("If-Match not sent with the upload")
	}

	_, err = s.Put(ctx, "flurry.csv", []byte("a"), PutOptions{IfAbsent: true})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Put(IfAbsent) error = %v, want ErrConflict", err)
	}
}

// ---------------------------------------------------------------------------
// Cloud Storage
// ---------------------------------------------------------------------------

func gcsError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"errors":[{"message":%q,"reason":"x"}]}}`, status, msg, msg)
}

func newTestGCSStore(t *testing.T, h http.HandlerFunc) *GCSStore {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	s, err := NewGCSStore(context.Background(), "flurry", "", srv.URL+"/storage/v1/")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGCSStoreGetMissing(t *testing.T) {
	s := newTestGCSStore(t, func(w http.ResponseWriter, r *http.Request) {
		gcsError(w, http.StatusNotFound, "No such object")
	})

	if _, err := s.Get(context.Background(), "flurry.csv"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestGCSStoreConditionalPut(t *testing.T) {
	var seen headerLog
	s := newTestGCSStore(t, func(w http.ResponseWriter, r *http.Request) {
		seen.add(r)
		gcsError(w, http.StatusPreconditionFailed, "Precondition Failed")
	})
	ctx := context.Background()

	_, err := s.Put(ctx, "flurry.csv", []byte("a"), PutOptions{IfVersion: "7"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Put(IfVersion) error = %v, want ErrConflict", err)
	}
	if req := seen.last(http.MethodPost); req == nil || req.URL.Query().Get("ifGenerationMatch") != "7" {
		t.Errorf("ifGenerationMatch not sent with the upload")
	}

	_, err = s.Put(ctx, "flurry.csv", []byte("a"), PutOptions{IfAbsent: true})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Put(IfAbsent) error = %v, want ErrConflict", err)
	}
	if req := seen.last(http.MethodPost); req == nil || req.URL.Query().Get("ifGenerationMatch") != "0" {
		t.Errorf("ifGenerationMatch=0 not sent for a create-only upload")
	}

	if _, err := s.Put(ctx, "flurry.csv", []byte("a"), PutOptions{IfVersion: "abc"}); err == nil {
		t.Error("Put with a non-numeric generation should fail")
	}
}

// ---------------------------------------------------------------------------
// S3
// ---------------------------------------------------------------------------

func s3Error(w http.ResponseWriter, r *http.Request, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><Key>%s</Key><RequestId>1</RequestId></Error>`,
		code, code, strings.TrimPrefix(r.URL.Path, "/flurry/"))
}

// newTestS3Store serves bucket location lookups and hands object requests
// to h.
func newTestS3Store(t *testing.T, h http.HandlerFunc) *S3Store {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["location"]; ok {
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	s, err := NewS3Store(srv.URL, "access", "secret", "flurry", true)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestS3StoreGetMissing(t *testing.T) {
	s := newTestS3Store(t, func(w http.ResponseWriter, r *http.Request) {
		s3Error(w, r, http.StatusNotFound, "NoSuchKey")
	})

	if _, err := s.Get(context.Background(), "flurry.csv"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestS3StoreConditionalPut(t *testing.T) {
	var puts atomic.Int32
	s := newTestS3Store(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("ETag", `"etag-current"`)
			w.Header().Set("Content-Length", "1")
			w.Header().Set("Last-Modified", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			puts.Add(1)
			w.Header().Set("ETag", `"etag-new"`)
			w.WriteHeader(http.StatusOK)
		default:
			s3Error(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed")
		}
	})
	ctx := context.Background()

	_, err := s.Put(ctx, "flurry.csv", []byte("a"), PutOptions{IfVersion: "etag-old"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Put(stale IfVersion) error = %v, want ErrConflict", err)
	}
	_, err = s.Put(ctx, "flurry.csv", []byte("a"), PutOptions{IfAbsent: true})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Put(IfAbsent) error = %v, want ErrConflict", err)
	}
	if n := puts.Load(); n != 0 {
		t.Errorf("%d uploads sent after a failed precondition, want 0", n)
	}

	v, err := s.Put(ctx, "flurry.csv", []byte("a"), PutOptions{IfVersion: "etag-current"})
	if err != nil {
		t.Fatalf("Put(current IfVersion) returned error: %v", err)
	}
	if n := puts.Load(); v != "etag-new" || n != 1 {
		t.Errorf("Put = version %q after %d uploads, want etag-new after 1", v, n)
	}
}

func TestS3StoreDeleteMissing(t *testing.T) {
	s := newTestS3Store(t, func(w http.ResponseWriter, r *http.Request) {
		s3Error(w, r, http.StatusNotFound, "NoSuchKey")
	})

	if err := s.Delete(context.Background(), "flurry.csv"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}
