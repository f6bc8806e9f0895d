/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/numaproj/numapool/pkg/shared/util"
)

const (
	EnvPrefix      = "NUMAPOOL"
	configName     = "numapool"
	defaultConfDir = "/etc/numapool"
)

// GlobalConfig holds the live configuration. The scaling policy is reloaded
// when the config file changes, other sections only take effect after a restart.
type GlobalConfig struct {
	conf *Config
	lock *sync.RWMutex
}

// NewGlobalConfig wraps a static configuration.
func NewGlobalConfig(c Config) *GlobalConfig {
	return &GlobalConfig{conf: &c, lock: new(sync.RWMutex)}
}

// Get returns a copy of the current configuration.
func (g *GlobalConfig) Get() Config {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return *g.conf
}

// GetScaling returns the current scaling policy.
func (g *GlobalConfig) GetScaling() ScalingConfig {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return g.conf.Scaling
}

func (g *GlobalConfig) setScaling(s ScalingConfig) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.conf.Scaling = s
}

// Defaults returns the configuration built from the built-in defaults and the environment.
func Defaults() Config {
	c, err := unmarshal(newViper())
	if err != nil {
		panic(fmt.Errorf("failed to build default configuration, %w", err))
	}
	return *c
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("region", "")

	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.masterName", "")
	v.SetDefault("redis.sentinelPassword", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jetstream.url", "")
	v.SetDefault("jetstream.user", "")
	v.SetDefault("jetstream.password", "")
	v.SetDefault("jetstream.tlsEnabled", false)

	v.SetDefault("queue.backend", BackendInMem)
	v.SetDefault("queue.requestQueue", "numapool-requests")
	v.SetDefault("queue.responseQueue", "numapool-responses")
	v.SetDefault("queue.visibilityTimeoutSeconds", 30)
	v.SetDefault("queue.dedupWindowSeconds", 120)

	v.SetDefault("blobStore.backend", BackendInMem)
	v.SetDefault("blobStore.bucket", "numapool")
	v.SetDefault("blobStore.inputPrefix", "input/")
	v.SetDefault("blobStore.outputPrefix", "output/")

	v.SetDefault("fleet.backend", BackendLocal)
	v.SetDefault("fleet.roleTag", "app-instance")
	v.SetDefault("fleet.namespace", util.LookupEnvStringOr("POD_NAMESPACE", "default"))
	v.SetDefault("fleet.kubeconfig", "")
	v.SetDefault("fleet.image", "quay.io/numaproj/numapool:latest")
	v.SetDefault("fleet.imagePullPolicy", "IfNotPresent")
	v.SetDefault("fleet.serviceAccountName", "")
	v.SetDefault("fleet.env", []string{})
	v.SetDefault("fleet.configMapName", "")

	v.SetDefault("scaling.minWorkers", 1)
	v.SetDefault("scaling.maxWorkers", 20)
	v.SetDefault("scaling.tasksPerWorker", 60)
	v.SetDefault("scaling.scaleIntervalSeconds", 5)
	v.SetDefault("scaling.surgeThreshold", 40)
	v.SetDefault("scaling.surgeFloor", 10)
	v.SetDefault("scaling.launchIntervalSeconds", 2)

	v.SetDefault("gateway.port", 5000)
	v.SetDefault("gateway.webTimeoutSeconds", 60)
	v.SetDefault("gateway.pollIntervalMillis", 1000)
	v.SetDefault("gateway.maxPayloadBytes", 10<<20)
	v.SetDefault("gateway.resultCacheSize", 1024)
	v.SetDefault("gateway.corsAllowedOrigins", "")
	v.SetDefault("gateway.tlsEnabled", false)

	v.SetDefault("worker.receiveWaitSeconds", 10)
	v.SetDefault("worker.idleSleepSeconds", 2)
	v.SetDefault("worker.errorBackoffSeconds", 3)
	v.SetDefault("worker.classifierCommand", []string{})

	v.SetDefault("metrics.port", 9090)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("failed unmarshal configuration. %w", err)
	}
	return conf, nil
}

// LoadConfig reads the configuration from defaults, the config file and the environment.
// An empty path searches numapool.yaml in the working directory and /etc/numapool, and a
// missing file is not an error in that case. When a file is in use, it is watched and a
// valid scaling policy change is applied on the fly. onErrorReloading is called when a
// changed file can not be applied.
func LoadConfig(path string, onErrorReloading func(error)) (*GlobalConfig, error) {
	if onErrorReloading == nil {
		onErrorReloading = func(error) {}
	}
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath(defaultConfDir)
	}
	fileInUse := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to load configuration file. %w", err)
		}
		fileInUse = false
	}
	conf, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration, %w", err)
	}
	r := &GlobalConfig{
		conf: conf,
		lock: new(sync.RWMutex),
	}
	if !fileInUse {
		return r, nil
	}
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		cf, err := unmarshal(v)
		if err != nil {
			onErrorReloading(err)
			return
		}
		if err := cf.Scaling.Validate(); err != nil {
			onErrorReloading(fmt.Errorf("rejected scaling policy from %s, %w", e.Name, err))
			return
		}
		r.setScaling(cf.Scaling)
	})
	return r, nil
}
