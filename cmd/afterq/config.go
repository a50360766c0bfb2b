/*
afterq - a framework for after-queue mail content filters.
Copyright © 2023 afterq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/afterq/afterq/framework/address"
	"github.com/afterq/afterq/internal/disclose"
	"github.com/afterq/afterq/internal/filter"
	"github.com/afterq/afterq/internal/mail"
)

// Config describes the stock filter pipeline. Example:
//
//	allowed_senders:
//	  - robot@mydomain.org
//	rewrites:
//	  - match_recipient: everyone@mydomain.org
//	    recipients: [info@other.org, accounting@mydomain.org]
//	    disclosure: hidden
//	subject_prefix: "[list]"
//	stamp_header:
//	  key: X-Filtered-By
//	  value: afterq
type Config struct {
	// AllowedSenders rejects every message whose From field matches none
	// of the listed addresses. Empty list allows all senders.
	AllowedSenders []string `yaml:"allowed_senders"`

	Rewrites []Rewrite `yaml:"rewrites"`

	SubjectPrefix string `yaml:"subject_prefix"`

	StampHeader struct {
		Key   string `yaml:"key"`
		Value string `yaml:"value"`
	} `yaml:"stamp_header"`
}

// Rewrite replaces the recipient set of matching messages. Exactly one of
// the match_ keys must be set.
type Rewrite struct {
	// MatchRecipient applies the rewrite when the address is among the
	// envelope recipients.
	MatchRecipient string `yaml:"match_recipient"`
	// MatchDomain applies the rewrite when the first envelope recipient
	// is in the domain.
	MatchDomain string `yaml:"match_domain"`

	Recipients []string `yaml:"recipients"`

	// Disclosure is one of open, hidden, keep, sender. Default open.
	Disclosure string `yaml:"disclosure"`
	// DiscloseName is the display name used by the hidden and sender
	// modes.
	DiscloseName string `yaml:"disclose_name"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Build assembles the filter pipeline the configuration describes.
func (c *Config) Build() (*filter.Filter, error) {
	f := filter.New()

	if len(c.AllowedSenders) != 0 {
		f.AndThen("sender gate", filter.RequireSender(c.AllowedSenders...))
	}

	for i, rw := range c.Rewrites {
		pred, err := rw.predicate()
		if err != nil {
			return nil, fmt.Errorf("rewrite %d: %w", i+1, err)
		}
		d, err := parseDisclosure(rw.Disclosure, rw.DiscloseName)
		if err != nil {
			return nil, fmt.Errorf("rewrite %d: %w", i+1, err)
		}
		if len(rw.Recipients) == 0 {
			return nil, fmt.Errorf("rewrite %d: no recipients", i+1)
		}

		f.Filter(fmt.Sprintf("rewrite %d match", i+1), pred).
			AndThen(fmt.Sprintf("rewrite %d", i+1),
				filter.SetRecipients(d, rw.Recipients...))
	}

	if c.SubjectPrefix != "" {
		f.Filter("tag all", func(*mail.Mail) bool { return true }).
			AndThen("subject tag", filter.PrefixSubject(c.SubjectPrefix))
	}
	if c.StampHeader.Key != "" {
		f.Filter("stamp all", func(*mail.Mail) bool { return true }).
			AndThen("stamp", filter.StampHeader(c.StampHeader.Key, c.StampHeader.Value))
	}

	return f, nil
}

func (rw Rewrite) predicate() (filter.Predicate, error) {
	switch {
	case rw.MatchRecipient != "" && rw.MatchDomain != "":
		return nil, fmt.Errorf("match_recipient and match_domain are mutually exclusive")
	case rw.MatchRecipient != "":
		return filter.RecipientIs(rw.MatchRecipient), nil
	case rw.MatchDomain != "":
		domain := rw.MatchDomain
		return func(m *mail.Mail) bool {
			return address.DomainEqual(m.Domain(), domain)
		}, nil
	default:
		return nil, fmt.Errorf("either match_recipient or match_domain is required")
	}
}

func parseDisclosure(mode, name string) (disclose.Disclosure, error) {
	switch mode {
	case "", "open":
		return disclose.Open(), nil
	case "hidden":
		if name != "" {
			return disclose.HiddenAs(name), nil
		}
		return disclose.Hidden(), nil
	case "keep":
		return disclose.Keep(), nil
	case "sender":
		return disclose.AsSender(name), nil
	default:
		return disclose.Disclosure{}, fmt.Errorf("unknown disclosure mode: %v", mode)
	}
}
