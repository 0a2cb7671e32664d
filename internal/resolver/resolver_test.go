package resolver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLookup answers per server, keyed by the address the resolver dials.
func fakeLookup(t *testing.T, d *DNS, answers map[string][]string, fails map[string]error) *[]string {
	t.Helper()
	var tried []string
	d.lookup = func(ctx context.Context, r *net.Resolver, host string) ([]string, error) {
		conn, err := r.Dial(ctx, "udp", "ignored:53")
		require.NoError(t, err)
		server := conn.RemoteAddr().String()
		conn.Close()

		tried = append(tried, server)
		if err := fails[server]; err != nil {
			return nil, err
		}
		return answers[server], nil
	}
	return &tried
}

func TestNewNormalizesServers(t *testing.T) {
	d := New([]string{"127.0.0.1", " 127.0.0.2:5353 ", ""}, 0)
	assert.Equal(t, []string{"127.0.0.1:53", "127.0.0.2:5353"}, d.servers)
	assert.Equal(t, 5*time.Second, d.timeout)

	assert.Equal(t, DefaultServers, New(nil, time.Second).servers)
}

func TestResolveFallsBack(t *testing.T) {
	d := New([]string{"127.0.0.1:53", "127.0.0.2:53"}, time.Second)
	tried := fakeLookup(t, d,
		map[string][]string{"127.0.0.2:53": {"2001:db8::1", "203.0.113.5"}},
		map[string]error{"127.0.0.1:53": errors.New("i/o timeout")},
	)

	addr, err := d.Resolve(context.Background(), "app001")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", addr, "IPv4 preferred")
	assert.Equal(t, []string{"127.0.0.1:53", "127.0.0.2:53"}, *tried)
}

func TestResolveAllFail(t *testing.T) {
	d := New([]string{"127.0.0.1:53", "127.0.0.2:53"}, time.Second)
	fakeLookup(t, d, nil, map[string]error{
		"127.0.0.1:53": errors.New("no such host"),
	})

	_, err := d.Resolve(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve ghost")
	assert.Contains(t, err.Error(), "127.0.0.1:53: no such host")
	assert.Contains(t, err.Error(), "127.0.0.2:53: no addresses")
}

func TestPick(t *testing.T) {
	assert.Equal(t, "", pick(nil))
	assert.Equal(t, "2001:db8::1", pick([]string{"2001:db8::1"}))
	assert.Equal(t, "10.0.0.1", pick([]string{"2001:db8::1", "10.0.0.1"}))
}
