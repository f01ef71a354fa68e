package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/crystalmath/crystalmathd/internal/sshpool"
	"github.com/crystalmath/crystalmathd/internal/store"
)

// clusterConnectionConfig is the shape model.Cluster.ConnectionConfig's
// opaque JSON blob takes: either a private key (inline PEM or a path to one
// readable by the daemon's own user) or a password, resolved fresh on every
// dial so a rotated credential takes effect without a daemon restart.
type clusterConnectionConfig struct {
	PrivateKeyPath  string `json:"privateKeyPath,omitempty"`
	PrivateKeyPEM   string `json:"privateKeyPem,omitempty"`
	Password        string `json:"password,omitempty"`
	AgentForwarding bool   `json:"agentForwarding,omitempty"`
}

// storeClusterDialer implements sshpool.ClusterDialer by resolving a
// cluster's host/port/user from the store and its credentials from the
// cluster's ConnectionConfig blob.
type storeClusterDialer struct {
	store *store.Store
}

func newStoreClusterDialer(s *store.Store) *storeClusterDialer {
	return &storeClusterDialer{store: s}
}

func (d *storeClusterDialer) DialInfo(ctx context.Context, clusterID int64) (string, sshpool.Credentials, error) {
	c, err := d.store.GetCluster(ctx, clusterID)
	if err != nil {
		return "", sshpool.Credentials{}, fmt.Errorf("resolve cluster %d: %w", clusterID, err)
	}

	var cc clusterConnectionConfig
	if c.ConnectionConfig != "" {
		if err := json.Unmarshal([]byte(c.ConnectionConfig), &cc); err != nil {
			return "", sshpool.Credentials{}, fmt.Errorf("parse connection config for cluster %d: %w", clusterID, err)
		}
	}

	creds := sshpool.Credentials{User: c.User, AgentForwarding: cc.AgentForwarding}
	switch {
	case cc.PrivateKeyPEM != "":
		creds.PrivateKeyPEM = []byte(cc.PrivateKeyPEM)
	case cc.PrivateKeyPath != "":
		pem, err := os.ReadFile(cc.PrivateKeyPath)
		if err != nil {
			return "", sshpool.Credentials{}, fmt.Errorf("read private key %s for cluster %d: %w", cc.PrivateKeyPath, clusterID, err)
		}
		creds.PrivateKeyPEM = pem
	case cc.Password != "":
		creds.Password = cc.Password
	default:
		return "", sshpool.Credentials{}, fmt.Errorf("cluster %d: connection config names neither a private key nor a password", clusterID)
	}

	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	return addr, creds, nil
}
