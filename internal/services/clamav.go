package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	clamd "github.com/dutchcoders/go-clamd"

	"github.com/jmdall/fileswap/internal/errs"
)

// ScanVerdict is the outcome of a completed scan.
type ScanVerdict struct {
	Clean  bool
	Detail string
}

type clamdClient interface {
	Ping() error
	ScanStream(r io.Reader, abort chan bool) (chan *clamd.ScanResult, error)
}

// ClamAVScanner streams file bytes to clamd over INSTREAM.
type ClamAVScanner struct {
	client clamdClient
}

func NewClamAVScanner(address string) *ClamAVScanner {
	return &ClamAVScanner{client: clamd.NewClamd(address)}
}

func (s *ClamAVScanner) Ping() error {
	return s.client.Ping()
}

// Scan returns errs.ErrScannerUnavailable when clamd cannot be reached, and the
// context error when ctx ends first.
func (s *ClamAVScanner) Scan(ctx context.Context, data []byte) (ScanVerdict, error) {
	if err := s.client.Ping(); err != nil {
		return ScanVerdict{}, fmt.Errorf("%w: %v", errs.ErrScannerUnavailable, err)
	}

	// closing abort drops the clamd connection
	abort := make(chan bool)
	var once sync.Once
	stop := func() { once.Do(func() { close(abort) }) }
	defer stop()

	type result struct {
		verdict ScanVerdict
		err     error
	}
	done := make(chan result, 1)
	go func() {
		v, err := s.stream(data, abort)
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		stop()
		return ScanVerdict{}, fmt.Errorf("scan: %w", ctx.Err())
	case r := <-done:
		return r.verdict, r.err
	}
}

func (s *ClamAVScanner) stream(data []byte, abort chan bool) (ScanVerdict, error) {
	ch, err := s.client.ScanStream(bytes.NewReader(data), abort)
	if err != nil {
		return ScanVerdict{}, fmt.Errorf("%w: %v", errs.ErrScannerUnavailable, err)
	}

	verdict := ScanVerdict{Clean: true}
	seen := false
	for res := range ch {
		seen = true
		switch res.Status {
		case clamd.RES_FOUND:
			verdict = ScanVerdict{Clean: false, Detail: res.Description}
		case clamd.RES_ERROR, clamd.RES_PARSE_ERROR:
			return ScanVerdict{}, fmt.Errorf("clamd: %s", res.Raw)
		}
	}
	if !seen {
		return ScanVerdict{}, fmt.Errorf("%w: empty response", errs.ErrScannerUnavailable)
	}
	return verdict, nil
}
