package enrich_test

import (
	"context"
	"sync"

	"github.com/contract-catalog/internal/clarity"
	"github.com/contract-catalog/internal/enrich"
)

// reply is a canned read-only call outcome
type reply struct {
	hex   string
	err   error
	block bool
}

type fakeChain struct {
	mu        sync.Mutex
	calls     map[string]reply
	iface     map[string]reply
	source    map[string]reply
	callCount int
}

func (f *fakeChain) CallReadOnly(ctx context.Context, contract, function string) (clarity.Value, error) {
	f.mu.Lock()
	f.callCount++
	r, ok := f.calls[function]
	f.mu.Unlock()
	if !ok {
		return clarity.Value{}, enrich.ErrAbsent
	}
	if r.block {
		<-ctx.Done()
		return clarity.Value{}, ctx.Err()
	}
	if r.err != nil {
		return clarity.Value{}, r.err
	}
	return clarity.Decode(r.hex)
}

func (f *fakeChain) text(ctx context.Context, replies map[string]reply, contract string) (string, error) {
	r, ok := replies[contract]
	if !ok {
		return "", enrich.ErrAbsent
	}
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.hex, r.err
}

func (f *fakeChain) ContractInterface(ctx context.Context, contract string) (string, error) {
	return f.text(ctx, f.iface, contract)
}

func (f *fakeChain) ContractSource(ctx context.Context, contract string) (string, error) {
	return f.text(ctx, f.source, contract)
}

type fakeFetcher struct {
	mu   sync.Mutex
	docs map[string]*enrich.TokenMetadata
	urls []string
}

func (f *fakeFetcher) FetchMetadata(ctx context.Context, uri string) (*enrich.TokenMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, uri)
	md, ok := f.docs[uri]
	if !ok {
		return nil, enrich.ErrAbsent
	}
	return md, nil
}

type mapCache struct {
	mu   sync.Mutex
	docs map[string]*enrich.TokenMetadata
}

func (c *mapCache) GetMetadata(ctx context.Context, uri string) (*enrich.TokenMetadata, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, ok := c.docs[uri]
	return md, ok, nil
}

func (c *mapCache) SetMetadata(ctx context.Context, uri string, md *enrich.TokenMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docs == nil {
		c.docs = map[string]*enrich.TokenMetadata{}
	}
	c.docs[uri] = md
	return nil
}
