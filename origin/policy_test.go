package origin

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func devConfig() Config {
	return Config{
		Origins: []string{
			"http://localhost:8080",
			"http://127.0.0.1:8080",
			"http://0.0.0.0:8080",
			"http://vue-frontend:8080",
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		},
		LoopbackPrefixes: []string{"http://localhost:", "http://127.0.0.1:"},
	}
}

func TestDecide(t *testing.T) {
	lan := devConfig()
	lan.Origins = append(lan.Origins, "http://192.168.*.*:3001")

	loose := devConfig()
	loose.LoosePrefixes = true

	regex := devConfig()
	regex.Patterns = []string{`https://[a-z]+\.bi\.example\.com`}

	tests := []struct {
		name    string
		cfg     Config
		origin  string
		allowed bool
		kind    Kind
	}{
		{"literal", devConfig(), "http://localhost:3000", true, KindLiteral},
		{"unlisted", devConfig(), "http://evil.example.com", false, KindNone},
		{"empty", devConfig(), "", false, KindNone},
		{"port differs", devConfig(), "http://localhost:5173", false, KindNone},
		{"scheme differs", devConfig(), "https://localhost:3000", false, KindNone},
		{"case differs", devConfig(), "http://LOCALHOST:3000", false, KindNone},
		{"trailing slash", devConfig(), "http://localhost:3000/", false, KindNone},
		{"loose prefix", loose, "http://localhost:5173", true, KindPrefix},
		{"loose prefix ip", loose, "http://127.0.0.1:9000", true, KindPrefix},
		{"loose literal first", loose, "http://localhost:3000", true, KindLiteral},
		{"loose no host spoof", loose, "http://localhost.evil.com", false, KindNone},
		{"wildcard lan", lan, "http://192.168.1.50:3001", true, KindPattern},
		{"wildcard wrong port", lan, "http://192.168.1.50:3002", false, KindNone},
		{"wildcard no dot crossing", lan, "http://192.168.1.50.evil.com:3001", false, KindNone},
		{"regex", regex, "https://sales.bi.example.com", true, KindPattern},
		{"regex anchored", regex, "https://sales.bi.example.com.evil.net", false, KindNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			require.NoError(t, err)

			d := p.Decide(tt.origin)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.kind, d.Rule.Kind())
			assert.Equal(t, tt.origin, d.Origin)
		})
	}
}

func TestPrefixBoundary(t *testing.T) {
	r, err := Prefix("http://localhost")
	require.NoError(t, err)

	assert.True(t, r.Match("http://localhost"))
	assert.True(t, r.Match("http://localhost:5173"))
	assert.False(t, r.Match("http://localhost.evil.com"))
	assert.False(t, r.Match("http://localhostevil.com"))

	colon, err := Prefix("http://localhost:")
	require.NoError(t, err)
	assert.True(t, colon.Match("http://localhost:1"))
	assert.False(t, colon.Match("http://localhost"))
}

func TestPrefixesIgnoredUnlessLoose(t *testing.T) {
	p, err := New(Config{LoopbackPrefixes: []string{"http://localhost:"}})
	require.NoError(t, err)
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.Allows("http://localhost:5173"))
}

func TestNewRejectsMalformedRules(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"star", Config{Origins: []string{"*"}}, `"*" is not an origin`},
		{"empty", Config{Origins: []string{" "}}, "empty origin rule"},
		{"no scheme", Config{Origins: []string{"localhost:3000"}}, "has no scheme"},
		{"no host", Config{Origins: []string{"http://"}}, "has no host"},
		{"bad regex", Config{Patterns: []string{`http://(`}}, "origin pattern"},
		{"bad prefix", Config{LoosePrefixes: true, LoopbackPrefixes: []string{"localhost"}}, "has no scheme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewReportsEveryProblem(t *testing.T) {
	_, err := New(Config{
		Origins:  []string{"*", "nohost"},
		Patterns: []string{"("},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"*"`)
	assert.Contains(t, err.Error(), "nohost")
	assert.Contains(t, err.Error(), "origin pattern")
}

func TestRuleString(t *testing.T) {
	r, err := Literal("http://localhost:3000")
	require.NoError(t, err)
	assert.Equal(t, "literal:http://localhost:3000", r.String())
	assert.Equal(t, "none", Rule{}.String())
	assert.Equal(t, "pattern", KindPattern.String())
}

func TestDecideConcurrent(t *testing.T) {
	cfg := devConfig()
	cfg.Patterns = []string{`http://10\.0\.0\.\d+:3000`}
	p, err := New(cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.True(t, p.Allows("http://10.0.0.7:3000"))
				assert.False(t, p.Allows("http://10.0.0.7:3001"))
			}
		}()
	}
	wg.Wait()
}
