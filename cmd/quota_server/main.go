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

// The quota_server binary runs the usage-quota service: per-request quota
// checks, the admin surface for quota configs and counters, and Prometheus
// metrics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flyer-me/weautotools/auth"
	"github.com/flyer-me/weautotools/lock"
	"github.com/flyer-me/weautotools/lock/redislock"
	"github.com/flyer-me/weautotools/monitoring/prometheus"
	"github.com/flyer-me/weautotools/quota"
	"github.com/flyer-me/weautotools/quota/configstore"
	"github.com/flyer-me/weautotools/quota/redis/rediswc"
	"github.com/flyer-me/weautotools/server/admin"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	// Register config store backends
	_ "github.com/flyer-me/weautotools/quota/configstore/memory"
	_ "github.com/flyer-me/weautotools/quota/configstore/mysql"
	_ "github.com/flyer-me/weautotools/quota/configstore/postgresql"
)

var (
	httpEndpoint  = flag.String("http_endpoint", "localhost:8091", "Endpoint for the HTTP server (host:port)")
	redisServer   = flag.String("redis_server", "localhost:6379", "Endpoint for the shared Redis store (host:port)")
	redisPassword = flag.String("redis_password", "", "Password for the Redis store")
	redisDB       = flag.Int("redis_db", 0, "Redis database number")
	quotaTimezone = flag.String("quota_timezone", "Local", "IANA timezone name for DAILY window boundaries")
	counterPrefix = flag.String("counter_prefix", "", "Static prefix for all Redis keys, for shared clusters")
	resourceTypes = flag.String("resource_types", "", "Comma-separated resourceID=type pairs for the type quota tier")

	strictAdmission = flag.Bool("strict_admission", false, "Serialize quota checks per subject and resource with a distributed lock, trading latency for exact admission")

	shutdownTimeout = flag.Duration("shutdown_timeout", 5*time.Second, "Grace period for in-flight requests on shutdown")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	ctx := context.Background()

	loc, err := time.LoadLocation(*quotaTimezone)
	if err != nil {
		klog.Exitf("Failed to load timezone %q: %v", *quotaTimezone, err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     *redisServer,
		Password: *redisPassword,
		DB:       *redisDB,
	})
	if err := client.Ping().Err(); err != nil {
		klog.Exitf("Failed to connect to Redis at %v: %v", *redisServer, err)
	}

	mf := prometheus.MetricFactory{}
	quota.InitMetrics(mf)
	lock.InitMetrics(mf)

	store, err := configstore.NewStoreFromFlags(ctx)
	if err != nil {
		klog.Exitf("Failed to create config store: %v", err)
	}

	counter := rediswc.New(client, rediswc.Options{Prefix: *counterPrefix, Location: loc})
	if err := counter.Load(ctx); err != nil {
		klog.Warningf("Failed to preload counter script, will fall back to EVAL: %v", err)
	}

	resolver := quota.NewTieredResolver(store, resourceTypeFunc(*resourceTypes))
	gate := quota.NewGate(resolver, counter, quota.GateOptions{Events: store})

	blacklist := auth.NewBlacklist(client, nil)
	identity := auth.NewResolver(blacklist)

	var locker lock.Locker
	if *strictAdmission {
		l := redislock.New(client, redislock.Options{})
		if err := l.Load(ctx); err != nil {
			klog.Warningf("Failed to preload release script, will fall back to EVAL: %v", err)
		}
		locker = l
	}

	r := chi.NewRouter()
	r.Post("/v1/check/{resource}", checkHandler(identity, gate, locker))
	r.Mount("/admin/v1", admin.New(store, gate).Routes())
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := client.Ping().Err(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: *httpEndpoint, Handler: r}
	go func() {
		klog.Infof("HTTP server listening on %v", *httpEndpoint)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			klog.Exitf("HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	klog.Infof("Received %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(ctx, *shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		klog.Warningf("HTTP server shutdown: %v", err)
	}
}

// checkHandler answers per-request quota decisions. Identity comes from the
// upstream auth layer via headers; a missing or revoked token accounts the
// request against the caller's IP. A non-nil locker serializes the
// check-then-increment per subject and resource so admission is exact.
func checkHandler(identity *auth.Resolver, gate *quota.Gate, locker lock.Locker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := chi.URLParam(r, "resource")
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		sub := identity.Resolve(r.Context(), r.Header.Get("X-User-Id"), token, auth.ClientIP(r))

		var d quota.Decision
		if locker != nil {
			err := lock.Do(r.Context(), locker, lock.KeyFor("quota", sub.Key, resource), 0, 0, func(ctx context.Context) error {
				d = gate.CheckAndConsume(ctx, sub, resource)
				return nil
			})
			if err != nil {
				// Lock contention and store trouble alike are transient
				// declines, not system faults. Tell the caller to retry.
				klog.V(1).Infof("Quota admission lock for %v/%v: %v", sub.Key, resource, err)
				w.Header().Set("Retry-After", "1")
				http.Error(w, "quota check busy, try again", http.StatusTooManyRequests)
				return
			}
		} else {
			d = gate.CheckAndConsume(r.Context(), sub, resource)
		}
		w.Header().Set("Content-Type", "application/json")
		if !d.Allowed {
			w.WriteHeader(http.StatusTooManyRequests)
		}
		resp := struct {
			Allowed   bool   `json:"allowed"`
			Remaining int64  `json:"remaining"`
			Reason    string `json:"reason,omitempty"`
		}{d.Allowed, d.Remaining, d.Reason}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			klog.V(1).Infof("Writing check response: %v", err)
		}
	}
}

// resourceTypeFunc parses "id=type,id=type" into a quota.ResourceTypeFunc.
func resourceTypeFunc(mapping string) quota.ResourceTypeFunc {
	if mapping == "" {
		return nil
	}
	types := map[string]string{}
	for _, pair := range strings.Split(mapping, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			klog.Exitf("Malformed -resource_types entry %q", pair)
		}
		types[parts[0]] = parts[1]
	}
	return func(ctx context.Context, resourceID string) (string, bool) {
		t, ok := types[resourceID]
		return t, ok
	}
}
