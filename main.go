// Copyright 2024-2025 ApeCloud, Ltd.
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

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/apecloud/myirisserver/auth"
	"github.com/apecloud/myirisserver/backend"
	"github.com/apecloud/myirisserver/environment"
	"github.com/apecloud/myirisserver/pgserver"
	"github.com/apecloud/myirisserver/storage"
	"github.com/apecloud/myirisserver/transpiler"
)

func main() {
	environment.Init()

	logrus.SetLevel(logrus.Level(environment.GetLogLevel()))
	logger := logrus.WithField("component", "gateway")

	if environment.GetDSN() == "" {
		logrus.Fatalln("No IRIS connection string given, set -dsn")
	}
	db, err := backend.Open(environment.GetDriver(), environment.GetDSN())
	if err != nil {
		logrus.WithError(err).Fatalln("Failed to open the IRIS connection")
	}
	defer db.Close()

	if environment.GetInitMode() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			logrus.WithError(err).Fatalln("IRIS connectivity check failed")
		}
		logrus.Infoln("IRIS connectivity check passed")
		return
	}

	policy, err := transpiler.ParsePolicy(environment.GetCasePolicy())
	if err != nil {
		logrus.WithError(err).Fatalln("Bad case policy")
	}
	translator := transpiler.NewTranslator(policy, environment.GetCacheSize(), environment.GetCacheTTL())

	metrics := pgserver.NewMetrics()

	cfg := pgserver.Config{
		Addr:           fmt.Sprintf("%s:%d", environment.GetAddress(), environment.GetPostgresPort()),
		RequireTLS:     environment.GetRequireTLS(),
		DefaultSchema:  environment.GetDefaultSchema(),
		CopyBatchSize:  environment.GetCopyBatchSize(),
		MaxMessageSize: environment.GetMaxMessageSize(),
		DB:             db,
	}

	if cert, key := environment.GetTLSCert(), environment.GetTLSKey(); cert != "" && key != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			logrus.WithError(err).Fatalln("Failed to load the TLS key pair")
		}
		cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{pair}}
	} else if cfg.RequireTLS {
		logrus.Fatalln("-require-tls needs -tls-cert and -tls-key")
	}

	cfg.AuthMethod, err = buildAuthMethod()
	if err != nil {
		logrus.WithError(err).Fatalln("Failed to configure authentication")
	}

	cfg.NewExecutor, err = buildExecutorFactory(db, metrics, logger)
	if err != nil {
		logrus.WithError(err).Fatalln("Failed to configure the executor")
	}

	if provider := environment.GetStoreProvider(); provider != "" {
		store, err := storage.NewObjectStore(context.Background(), storage.Config{
			Provider:        provider,
			Endpoint:        environment.GetStoreEndpoint(),
			Region:          environment.GetStoreRegion(),
			AccessKeyID:     environment.GetStoreAccessKey(),
			SecretAccessKey: environment.GetStoreSecretKey(),
		})
		if err != nil {
			logrus.WithError(err).Fatalln("Failed to configure the object store")
		}
		cfg.Store = store
	}

	if addr := environment.GetMetricsAddr(); addr != "" {
		go func() {
			if err := metrics.Serve(addr, logger); err != nil {
				logrus.WithError(err).Warnln("Metrics endpoint stopped")
			}
		}()
	}

	server := pgserver.NewServer(cfg, translator, metrics, logger)
	if err := server.ListenAndServe(); err != nil {
		logrus.WithError(err).Fatalln("Failed to serve the PostgreSQL listener")
	}
}

// buildAuthMethod resolves the -auth flag. SCRAM verifier sources (static,
// vault) may be chained with commas and are consulted in order; the secret
// validators (oauth) stand alone.
func buildAuthMethod() (auth.Method, error) {
	spec := environment.GetAuthMethod()
	switch spec {
	case "trust":
		return nil, nil
	case "oauth":
		return auth.NewOAuth(auth.OAuthConfig{
			Endpoint:      environment.GetOAuthEndpoint(),
			ClientID:      environment.GetOAuthClientID(),
			ClientSecret:  environment.GetOAuthSecret(),
			RequiredScope: environment.GetOAuthScope(),
		}), nil
	case "kerberos":
		return nil, fmt.Errorf("kerberos requires a ticket validator, embed the gateway to supply one")
	}

	var chain auth.SourceChain
	for _, name := range strings.Split(spec, ",") {
		switch strings.TrimSpace(name) {
		case "static":
			users, err := auth.LoadStatic(environment.GetAuthUsersFile())
			if err != nil {
				return nil, err
			}
			chain = append(chain, users)
		case "vault":
			chain = append(chain, auth.NewVault(auth.VaultConfig{
				Addr:   environment.GetVaultAddr(),
				Token:  environment.GetVaultToken(),
				Mount:  environment.GetVaultMount(),
				Prefix: environment.GetVaultPrefix(),
			}))
		default:
			return nil, fmt.Errorf("unknown auth method %q", name)
		}
	}
	if len(chain) == 1 {
		return chain[0].(auth.Method), nil
	}
	return chain, nil
}

func buildExecutorFactory(db *sqlx.DB, metrics *pgserver.Metrics, logger *logrus.Entry) (func(context.Context) (backend.Executor, error), error) {
	timeout := environment.GetStatementTimeout()
	switch environment.GetExecutorMode() {
	case "inprocess":
		return func(ctx context.Context) (backend.Executor, error) {
			exec, err := backend.NewInProcess(ctx, db.DB, timeout, logger)
			if err != nil {
				return nil, err
			}
			exec.OnFallback = metrics.BindFallbacks.Inc
			return exec, nil
		}, nil
	case "pooled":
		pool := backend.NewPool(db.DB, backend.PoolConfig{
			Size:           environment.GetPoolSize(),
			Overflow:       environment.GetPoolOverflow(),
			AcquireTimeout: environment.GetAcquireTimeout(),
			MaxLifetime:    environment.GetMaxLifetime(),
			IdleTimeout:    environment.GetIdleTimeout(),
		}, logger)
		metrics.RegisterPoolGauges(pool.Stats)
		return func(ctx context.Context) (backend.Executor, error) {
			exec := backend.NewPooled(pool, timeout, logger)
			exec.OnFallback = metrics.BindFallbacks.Inc
			return exec, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown executor mode %q", environment.GetExecutorMode())
}
