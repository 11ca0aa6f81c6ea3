package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"github.com/kursadbilgin/reminder-engine/internal/repository"
)

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, recipientID string, method domain.DeliveryMethod) (string, error)

func (f ResolverFunc) ResolveContact(ctx context.Context, recipientID string, method domain.DeliveryMethod) (string, error) {
	return f(ctx, recipientID, method)
}

// StaticResolver serves addresses from memory.
type StaticResolver struct {
	mu        sync.RWMutex
	addresses map[string]map[domain.DeliveryMethod]string
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{addresses: make(map[string]map[domain.DeliveryMethod]string)}
}

func (r *StaticResolver) Set(recipientID string, method domain.DeliveryMethod, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byMethod, ok := r.addresses[recipientID]
	if !ok {
		byMethod = make(map[domain.DeliveryMethod]string)
		r.addresses[recipientID] = byMethod
	}
	byMethod[method] = address
}

func (r *StaticResolver) ResolveContact(_ context.Context, recipientID string, method domain.DeliveryMethod) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	address := strings.TrimSpace(r.addresses[recipientID][method])
	if address == "" {
		return "", fmt.Errorf("%w: %s/%s", domain.ErrContactNotFound, recipientID, method)
	}
	return address, nil
}

// ContactResolver resolves addresses from the contact store.
type ContactResolver struct {
	contacts repository.ContactRepository
}

func NewContactResolver(contacts repository.ContactRepository) (*ContactResolver, error) {
	if contacts == nil {
		return nil, fmt.Errorf("contact repository is required")
	}
	return &ContactResolver{contacts: contacts}, nil
}

func (r *ContactResolver) ResolveContact(ctx context.Context, recipientID string, method domain.DeliveryMethod) (string, error) {
	return r.contacts.FindAddress(ctx, recipientID, method)
}

// ChainResolver asks each resolver in turn and returns the first address
// found. Errors other than a missing contact stop the chain.
type ChainResolver []Resolver

func (c ChainResolver) ResolveContact(ctx context.Context, recipientID string, method domain.DeliveryMethod) (string, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		address, err := r.ResolveContact(ctx, recipientID, method)
		if err == nil {
			return address, nil
		}
		if !errors.Is(err, domain.ErrContactNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s/%s", domain.ErrContactNotFound, recipientID, method)
}
