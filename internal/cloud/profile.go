// Package cloud resolves the Microsoft cloud environment the relay operates
// in. A Profile ties together the token authority, the token scopes and the
// Graph API base address of one environment; the three are only ever
// produced together by Resolve.
package cloud

import (
	"net/url"
	"slices"
	"strings"
)

// Profile describes one cloud environment.
type Profile struct {
	Name          string
	AuthorityHost string
	TokenScopes   []string
	APIBase       string

	// Claim expectations for tokens issued in this environment. Used only
	// for the startup sanity check in Check.
	Audience     string
	IssuerHosts  []string
	RegionScopes []string
}

const (
	NamePublic     = "Public"
	NameGovernment = "Government"
)

// Resolve maps a configured cloud designator to its profile. Only
// "Public" (case-insensitive) selects the public cloud. Every other value,
// including empty and unrecognized ones, selects the US Government cloud:
// an ambiguous setting falls back to the higher-compliance environment.
func Resolve(designator string) Profile {
	if strings.EqualFold(strings.TrimSpace(designator), NamePublic) {
		return public()
	}
	return government()
}

func public() Profile {
	return Profile{
		Name:          NamePublic,
		AuthorityHost: "https://login.microsoftonline.com",
		TokenScopes:   []string{"https://graph.microsoft.com/.default"},
		APIBase:       "https://graph.microsoft.com",
		Audience:      "https://graph.microsoft.com",
		IssuerHosts:   []string{"login.microsoftonline.com"},
		// USG is a GCC tenant, which lives in the public cloud.
		RegionScopes: []string{"NA", "EU", "AS", "AF", "OC", "SA", "WW", "USG"},
	}
}

func government() Profile {
	return Profile{
		Name:          NameGovernment,
		AuthorityHost: "https://login.microsoftonline.us",
		TokenScopes:   []string{"https://graph.microsoft.us/.default"},
		APIBase:       "https://graph.microsoft.us",
		Audience:      "https://graph.microsoft.us",
		IssuerHosts:   []string{"login.microsoftonline.us"},
		RegionScopes:  []string{"USGov"},
	}
}

// other returns the profile of the opposite environment, used to tell a
// contradicting claim from an unknown one.
func (p Profile) other() Profile {
	if p.Name == NamePublic {
		return government()
	}
	return public()
}

// TokenURL returns the OAuth2 v2.0 token endpoint for the tenant.
func (p Profile) TokenURL(tenantID string) string {
	return strings.TrimRight(p.AuthorityHost, "/") + "/" + url.PathEscape(tenantID) + "/oauth2/v2.0/token"
}

// Scope returns the token scopes as the space-separated form parameter.
func (p Profile) Scope() string {
	return strings.Join(p.TokenScopes, " ")
}

// Mismatch is a token claim that contradicts the profile.
type Mismatch struct {
	Claim string
	Got   string
	Want  string
}

// Check compares decoded token claims with the profile and returns the
// claims that point at the other environment. Claims that are absent or
// not specific to either environment are ignored.
//
// Check is a diagnostic: claims are decoded without signature verification
// and must never be used to make an authentication decision.
func (p Profile) Check(claims map[string]string) []Mismatch {
	var out []Mismatch
	alt := p.other()

	// aud may hold several comma-separated audiences.
	for _, aud := range strings.Split(claims["aud"], ",") {
		if host := hostOf(aud); host != "" && host == hostOf(alt.Audience) && host != hostOf(p.Audience) {
			out = append(out, Mismatch{Claim: "aud", Got: claims["aud"], Want: p.Audience})
			break
		}
	}

	if region := claims["tenant_region_scope"]; region != "" {
		ours := slices.Contains(p.RegionScopes, region)
		theirs := slices.Contains(alt.RegionScopes, region)
		if theirs && !ours {
			out = append(out, Mismatch{Claim: "tenant_region_scope", Got: region, Want: strings.Join(p.RegionScopes, ",")})
		}
	}

	if iss := claims["iss"]; iss != "" {
		host := hostOf(iss)
		if slices.Contains(alt.IssuerHosts, host) && !slices.Contains(p.IssuerHosts, host) {
			out = append(out, Mismatch{Claim: "iss", Got: iss, Want: strings.Join(p.IssuerHosts, ",")})
		}
	}

	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
