// Copyright 2025 WeAutoTools Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth supplies the quota subsystem's identity inputs: stable
// subject keys for authenticated and anonymous callers, and a revocable
// token check. Token signature and expiry validation is an external
// concern; this package only answers "has this token been revoked" and
// "what subject key does this caller account against".
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/flyer-me/weautotools/quota"
	"k8s.io/klog/v2"
)

// UserSubject returns the accounting subject of an authenticated user.
func UserSubject(userID string) quota.Subject {
	return quota.Subject{Key: "user:" + userID, Class: quota.Authenticated}
}

// AnonymousSubject returns the accounting subject of an unauthenticated
// caller, keyed by a fingerprint of its IP so the raw address never appears
// in store keys.
func AnonymousSubject(ip string) quota.Subject {
	return quota.Subject{Key: "anon:" + Fingerprint(ip), Class: quota.Anonymous, SourceIP: ip}
}

// Fingerprint derives a short stable hex fingerprint from an IP address.
func Fingerprint(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:4])
}

// Resolver turns per-request identity inputs into an accounting subject,
// consulting the revocation blacklist. A revoked token must cause the caller
// to be treated as anonymous, never as the authenticated subject it names.
type Resolver struct {
	blacklist *Blacklist
}

// NewResolver builds a Resolver. blacklist may be nil, in which case tokens
// are never considered revoked.
func NewResolver(blacklist *Blacklist) *Resolver {
	return &Resolver{blacklist: blacklist}
}

// Resolve returns the subject a request accounts against. userID and token
// come from the external authentication layer and are empty for anonymous
// callers; ip is always present.
func (r *Resolver) Resolve(ctx context.Context, userID, token, ip string) quota.Subject {
	if userID == "" || token == "" {
		return AnonymousSubject(ip)
	}
	if r.blacklist != nil {
		revoked, err := r.blacklist.IsRevoked(ctx, token)
		if err != nil {
			// If revocation can't be verified the caller is demoted to
			// anonymous: anonymous limits are the tighter ones, and a
			// revoked token must never retain its authenticated subject.
			klog.Warningf("auth: revocation check failed, treating caller as anonymous: %v", err)
			return AnonymousSubject(ip)
		}
		if revoked {
			return AnonymousSubject(ip)
		}
	}
	sub := UserSubject(userID)
	sub.SourceIP = ip
	return sub
}

// ClientIP extracts the originating client address of an HTTP request,
// preferring proxy-forwarded headers over the transport peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First entry is the original client.
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
