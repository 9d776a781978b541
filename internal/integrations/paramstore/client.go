// Package paramstore reads chat settings from AWS SSM Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// Parameter names below the client prefix.
const (
	KeyBlacklist           = "blacklist"
	KeyDefaultDelaySeconds = "default_delay_seconds"
)

// ssmAPI is the subset of *ssm.Client the Client calls.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is what moderation.LoadFromParams needs.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

var _ Getter = (*Client)(nil)

type Client struct {
	api    ssmAPI
	prefix string
}

// New returns a Client. A non-empty prefix is prepended, slash separated, to
// every relative name; names starting with "/" are used as given.
func New(api ssmAPI, prefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, prefix: strings.TrimRight(strings.TrimSpace(prefix), "/")}, nil
}

// Name resolves key against the prefix.
func (c *Client) Name(key string) string {
	key = strings.TrimSpace(key)
	if key == "" || c.prefix == "" || strings.HasPrefix(key, "/") {
		return key
	}
	return c.prefix + "/" + key
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	v, ok, err := c.Lookup(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("paramstore: parameter %q not found", c.Name(name))
	}
	return v, nil
}

// Lookup is GetParameter that reports a missing parameter as ok=false
// instead of an error.
func (c *Client) Lookup(ctx context.Context, name string) (string, bool, error) {
	if c.api == nil {
		return "", false, errors.New("paramstore: client not initialized")
	}
	name = c.Name(name)
	if name == "" {
		return "", false, errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	var notFound *types.ParameterNotFound
	if errors.As(err, &notFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", false, errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, true, nil
}

// DefaultDelaySeconds reads the fleet-wide delayed-send default. A missing
// parameter yields 0, which leaves delayed send to the user's preference.
func (c *Client) DefaultDelaySeconds(ctx context.Context) (int, error) {
	raw, ok, err := c.Lookup(ctx, KeyDefaultDelaySeconds)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("paramstore: %s: %w", KeyDefaultDelaySeconds, err)
	}
	return n, nil
}
