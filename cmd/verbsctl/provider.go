package main

import (
	"fmt"
	"sort"

	"github.com/rocketbitz/verbs-go/internal/config"
	"github.com/rocketbitz/verbs-go/loopback"
	"github.com/rocketbitz/verbs-go/verbs"
)

// providers maps provider names to constructors. Optional backends register
// themselves from build-tagged files.
var providers = map[string]func() (verbs.Provider, error){
	config.ProviderLoopback: func() (verbs.Provider, error) {
		return loopback.New(), nil
	},
}

func newProvider(name string) (verbs.Provider, error) {
	ctor, ok := providers[name]
	if !ok {
		if name == config.ProviderIBVerbs {
			return nil, fmt.Errorf("provider %s is not compiled in; rebuild with -tags ibverbs", name)
		}
		return nil, fmt.Errorf("unknown provider %q (available: %v)", name, providerNames())
	}
	return ctor()
}

func providerNames() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
