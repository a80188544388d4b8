//go:build linux && cgo && ibverbs

package main

import (
	"github.com/rocketbitz/verbs-go/ibverbs"
	"github.com/rocketbitz/verbs-go/internal/config"
	"github.com/rocketbitz/verbs-go/verbs"
)

func init() {
	providers[config.ProviderIBVerbs] = func() (verbs.Provider, error) {
		return ibverbs.New(), nil
	}
}
