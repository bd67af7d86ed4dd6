package config

import "fmt"

// credentials is a username and password pair.
type credentials struct {
	username string
	password string
}

func (c credentials) complete() bool {
	return c.username != "" && c.password != ""
}

var errMissingCredentials = fmt.Errorf("%w: auth-user-pass requires username and password", ErrBadConfig)

// AuthUserPassSetup returns the username and password for the key method 2
// message. A pushed auth-token takes the place of the password. Configured
// values win over the cached ones.
func (o *OpenVPNOptions) AuthUserPassSetup() (string, string, error) {
	configured := credentials{username: o.Username, password: o.Password}
	if o.AuthToken != "" {
		user := configured.username
		if user == "" {
			user = o.cached.username
		}
		return user, o.AuthToken, nil
	}

	switch {
	case configured.complete():
		o.cached = credentials{}
		if !o.AuthNoCache {
			o.cached = configured
		}
		return configured.username, configured.password, nil
	case !o.AuthNoCache && o.cached.complete():
		return o.cached.username, o.cached.password, nil
	case o.AuthUserPass:
		return "", "", errMissingCredentials
	default:
		return "", "", nil
	}
}

// PurgeAuthUserPass forgets the credentials when auth-nocache is set.
func (o *OpenVPNOptions) PurgeAuthUserPass() {
	if !o.AuthNoCache {
		return
	}
	o.Username, o.Password = "", ""
	o.cached = credentials{}
}
