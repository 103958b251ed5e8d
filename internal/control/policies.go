// Package control is the policy administration plane: CRUD over the
// policy table stored in etcd, plus the loader the gateway uses when
// its policy source is etcd.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/janusd/janus/internal/config"
	"github.com/janusd/janus/internal/policy"
)

const policyPrefix = "/janus/policies/"

// policyDoc is the etcd wire shape of one policy. Window is a Go
// duration string ("1m", "30s") so stored values stay human-readable.
type policyDoc struct {
	Limit   int64     `json:"limit"`
	Window  string    `json:"window"`
	Burst   int64     `json:"burst"`
	Updated time.Time `json:"updated"`
}

func (d policyDoc) toPolicy() (policy.Policy, error) {
	window, err := time.ParseDuration(d.Window)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("invalid window %q: %w", d.Window, err)
	}
	return policy.Policy{Limit: d.Limit, Window: window, Burst: d.Burst}, nil
}

// NewEtcdClient connects to etcd using service configuration.
func NewEtcdClient(cfg config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return client, nil
}

// FetchTable loads all policies under the policy prefix and returns a
// validated table. Called by the gateway at startup when its policy
// source is etcd.
func FetchTable(ctx context.Context, client *clientv3.Client) (*policy.Table, error) {
	resp, err := client.Get(ctx, policyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("fetch policies: %w", err)
	}

	policies := make(map[policy.Key]policy.Policy, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		action := policy.Key(kv.Key[len(policyPrefix):])

		var doc policyDoc
		if err := json.Unmarshal(kv.Value, &doc); err != nil {
			return nil, fmt.Errorf("policy %q: %w", action, err)
		}
		p, err := doc.toPolicy()
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", action, err)
		}
		policies[action] = p
	}

	return policy.NewTable(policies)
}
