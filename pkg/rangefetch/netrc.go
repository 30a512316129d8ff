package rangefetch

import (
	"fmt"
	"os"

	"github.com/sysbot/go-netrc"
)

// NetrcCredentials resolves per-host credentials from a parsed netrc
// file, the same library and lookup-by-hostname pattern the teacher's
// serve command uses for upstream cache authentication.
type NetrcCredentials struct {
	n *netrc.Netrc
}

// LoadNetrc parses the netrc file at path.
func LoadNetrc(path string) (*NetrcCredentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rangefetch: error opening netrc file %q: %w", path, err)
	}
	defer f.Close()

	n, err := netrc.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("rangefetch: error parsing netrc file %q: %w", path, err)
	}

	return &NetrcCredentials{n: n}, nil
}

// Lookup implements CredentialSource.
func (c *NetrcCredentials) Lookup(host string) (Credentials, bool) {
	if c == nil || c.n == nil {
		return Credentials{}, false
	}

	m := c.n.FindMachine(host)
	if m == nil {
		return Credentials{}, false
	}

	return Credentials{Username: m.Login, Password: m.Password}, true
}
