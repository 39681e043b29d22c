package peerbus

import (
	"github.com/jabolina/go-peerbus/pkg/peerbus/definition"
	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

const (
	// Pool size used when a peer is created without one.
	DefaultPoolSize = 1 << 20

	// Default per-peer budgets; the per-user hard maxima default to
	// four times these. Any single user is further bounded to half
	// of whatever budget remains at charge time.
	DefaultMaxMessages = 1 << 14
	DefaultMaxHandles  = 1 << 16
	DefaultMaxFDs      = 1 << 10
)

// Default configuration: stdlib logger, default budgets.
func DefaultConfiguration(name string) *types.Configuration {
	return &types.Configuration{
		Name:            name,
		DefaultPoolSize: DefaultPoolSize,
		Limits: types.Limits{
			MaxMessages: DefaultMaxMessages,
			MaxHandles:  DefaultMaxHandles,
			MaxFDs:      DefaultMaxFDs,
		},
		UserLimits: types.Limits{
			MaxMessages: 4 * DefaultMaxMessages,
			MaxHandles:  4 * DefaultMaxHandles,
			MaxFDs:      4 * DefaultMaxFDs,
		},
		Logger: definition.NewDefaultLogger(),
	}
}

// Like DefaultConfiguration, with structured logging over logrus.
func ProductionConfiguration(name string) *types.Configuration {
	conf := DefaultConfiguration(name)
	conf.Logger = definition.NewLogrusLogger(name)
	return conf
}
