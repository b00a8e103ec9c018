package domain

// Credentials hold whatever a platform needs to authenticate a report call.
// Meta uses AccessToken; Google uses the OAuth2 refresh token plus a
// developer token and customer ids.
type Credentials struct {
	AccessToken     string `json:"access_token,omitempty" yaml:"access_token"`
	RefreshToken    string `json:"refresh_token,omitempty" yaml:"refresh_token"`
	DeveloperToken  string `json:"developer_token,omitempty" yaml:"developer_token"`
	LoginCustomerID string `json:"login_customer_id,omitempty" yaml:"login_customer_id"`
}

// Account is an advertising account we report on. ExternalIDs maps a
// platform to the account's id on that platform.
type Account struct {
	ID          string                   `json:"id" yaml:"id"`
	Name        string                   `json:"name" yaml:"name"`
	Active      bool                     `json:"active" yaml:"active"`
	ExternalIDs map[Platform]string      `json:"external_ids" yaml:"external_ids"`
	Credentials map[Platform]Credentials `json:"-" yaml:"credentials"`
}

// On reports whether the account is linked to the platform.
func (a Account) On(p Platform) bool {
	id, ok := a.ExternalIDs[p]
	return ok && id != ""
}
