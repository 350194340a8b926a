package scylla

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

type Options struct {
	Hosts             []string
	Keyspace          string
	Username          string
	Password          string
	Consistency       string
	Timeout           time.Duration
	ReplicationFactor int
}

// NewSession creates the keyspace and tables if needed and returns a session bound to the keyspace.
func NewSession(ctx context.Context, opts Options, logger *slog.Logger) (*gocql.Session, error) {
	if !keyspacePattern.MatchString(opts.Keyspace) {
		return nil, fmt.Errorf("invalid keyspace name: %s", opts.Keyspace)
	}
	consistency, err := parseConsistency(opts.Consistency)
	if err != nil {
		return nil, err
	}

	baseSession, err := cluster(opts, consistency, "").CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla: %w", err)
	}
	defer baseSession.Close()
	if err := ensureKeyspace(ctx, baseSession, opts); err != nil {
		return nil, err
	}

	session, err := cluster(opts, consistency, opts.Keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to keyspace %s: %w", opts.Keyspace, err)
	}
	if err := ensureTables(ctx, session); err != nil {
		session.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("scylla connected", "hosts", opts.Hosts, "keyspace", opts.Keyspace)
	}
	return session, nil
}

func cluster(opts Options, consistency gocql.Consistency, keyspace string) *gocql.ClusterConfig {
	c := gocql.NewCluster(opts.Hosts...)
	c.Keyspace = keyspace
	c.Consistency = consistency
	if opts.Timeout > 0 {
		c.Timeout = opts.Timeout
		c.ConnectTimeout = opts.Timeout
	}
	if opts.Username != "" {
		c.Authenticator = gocql.PasswordAuthenticator{Username: opts.Username, Password: opts.Password}
	}
	return c
}

func ensureKeyspace(ctx context.Context, session *gocql.Session, opts Options) error {
	rf := opts.ReplicationFactor
	if rf < 1 {
		rf = 1
	}
	cql := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		opts.Keyspace, rf,
	)
	if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}
	return nil
}

func ensureTables(ctx context.Context, session *gocql.Session) error {
	sagas := `
CREATE TABLE IF NOT EXISTS sagas (
	id text PRIMARY KEY,
	status text,
	version bigint,
	payload blob,
	updated_at timestamp
);`
	if err := session.Query(sagas).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create sagas table: %w", err)
	}
	inbox := `
CREATE TABLE IF NOT EXISTS saga_inbox (
	consumer text,
	message_id text,
	received_at timestamp,
	PRIMARY KEY (consumer, message_id)
);`
	if err := session.Query(inbox).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create saga_inbox table: %w", err)
	}
	return nil
}

func parseConsistency(raw string) (gocql.Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "quorum":
		return gocql.Quorum, nil
	case "one":
		return gocql.One, nil
	case "local_quorum", "localquorum":
		return gocql.LocalQuorum, nil
	case "all":
		return gocql.All, nil
	default:
		return gocql.Quorum, fmt.Errorf("unsupported SCYLLA_CONSISTENCY: %s", raw)
	}
}

// ttlSeconds rounds up so a sub-second TTL never becomes "no expiry".
func ttlSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	s := int(ttl / time.Second)
	if ttl%time.Second != 0 {
		s++
	}
	return s
}
