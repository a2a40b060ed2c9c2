package domain

import (
	"net/url"
	"strings"
)

// LocatorValidator decides whether a source locator is accepted
type LocatorValidator interface {
	Accept(locator string) bool
}

// ValidatorFunc adapts a function to LocatorValidator
type ValidatorFunc func(locator string) bool

func (f ValidatorFunc) Accept(locator string) bool {
	return f(locator)
}

// PrefixValidator accepts locators starting with one of the prefixes
type PrefixValidator []string

func (p PrefixValidator) Accept(locator string) bool {
	for _, prefix := range p {
		if strings.HasPrefix(locator, prefix) {
			return true
		}
	}
	return false
}

// HostValidator accepts http(s) URLs whose host is in the list.
// Subdomains of a listed host are accepted as well.
type HostValidator []string

func (h HostValidator) Accept(locator string) bool {
	u, err := url.Parse(locator)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range h {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// AnyValidator accepts a locator if any of its validators does
type AnyValidator []LocatorValidator

func (a AnyValidator) Accept(locator string) bool {
	for _, v := range a {
		if v.Accept(locator) {
			return true
		}
	}
	return false
}

// AcceptAll accepts every non-empty locator
var AcceptAll = ValidatorFunc(func(locator string) bool { return locator != "" })

// NewLocatorValidator builds the validator from allowed prefixes and hosts.
// With neither configured every locator is accepted.
func NewLocatorValidator(prefixes, hosts []string) LocatorValidator {
	var validators AnyValidator
	if len(prefixes) > 0 {
		validators = append(validators, PrefixValidator(prefixes))
	}
	if len(hosts) > 0 {
		validators = append(validators, HostValidator(hosts))
	}
	if len(validators) == 0 {
		return AcceptAll
	}
	return validators
}
