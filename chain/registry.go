package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand/v2"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bartossh/Relayer/policy"
)

// NetworkConfig is the configuration of a single chain the relay serves.
type NetworkConfig struct {
	ChainID          int64    `yaml:"chain_id"`
	Name             string   `yaml:"name"`
	Endpoints        []string `yaml:"endpoints"`
	Token            string   `yaml:"token"`
	DelegationModule string   `yaml:"delegation_module"`
	SpendingLimit    string   `yaml:"spending_limit"`
	GasLimit         uint64   `yaml:"gas_limit"`
}

// Config contains configuration of all served chains.
type Config struct {
	Networks []NetworkConfig `yaml:"networks"`
}

// Network is the resolved per chain setup.
type Network struct {
	ChainID       *big.Int
	Name          string
	Endpoints     []string
	Token         common.Address
	Module        common.Address
	SpendingLimit *big.Int
	GasLimit      uint64
}

// Dialer creates a Gateway for the network.
type Dialer func(ctx context.Context, n Network) (Gateway, error)

// Registry resolves networks by chain id and lazily keeps one Gateway per chain.
type Registry struct {
	networks map[int64]Network
	gateways map[int64]Gateway
	dial     Dialer
	mux      sync.Mutex
}

// NewRegistry validates the configuration and creates the Registry.
func NewRegistry(cfg Config, dial Dialer) (*Registry, error) {
	r := &Registry{
		networks: make(map[int64]Network, len(cfg.Networks)),
		gateways: make(map[int64]Gateway, len(cfg.Networks)),
		dial:     dial,
	}
	for _, nc := range cfg.Networks {
		n, err := resolve(nc)
		if err != nil {
			return nil, err
		}
		r.networks[nc.ChainID] = n
	}
	return r, nil
}

func resolve(nc NetworkConfig) (Network, error) {
	if nc.ChainID <= 0 {
		return Network{}, fmt.Errorf("chain id [ %d ] must be positive", nc.ChainID)
	}
	if !common.IsHexAddress(nc.Token) {
		return Network{}, fmt.Errorf("chain [ %d ] token address [ %s ] is invalid", nc.ChainID, nc.Token)
	}
	module := nc.DelegationModule
	if module == "" {
		module = policy.DelegationModule
	}
	if !common.IsHexAddress(module) {
		return Network{}, fmt.Errorf("chain [ %d ] module address [ %s ] is invalid", nc.ChainID, module)
	}
	limit := policy.DefaultSpendingLimit
	if nc.SpendingLimit != "" {
		v, err := policy.ParseAmount(nc.SpendingLimit)
		if err != nil {
			return Network{}, errors.Join(fmt.Errorf("chain [ %d ] spending limit", nc.ChainID), err)
		}
		limit = v
	}
	return Network{
		ChainID:       big.NewInt(nc.ChainID),
		Name:          nc.Name,
		Endpoints:     append([]string(nil), nc.Endpoints...),
		Token:         common.HexToAddress(nc.Token),
		Module:        common.HexToAddress(module),
		SpendingLimit: limit,
		GasLimit:      nc.GasLimit,
	}, nil
}

// Network returns the network served under the chain id.
func (r *Registry) Network(chainID int64) (Network, error) {
	n, ok := r.networks[chainID]
	if !ok {
		return Network{}, errors.Join(ErrUnknownChain, fmt.Errorf("chain id [ %d ]", chainID))
	}
	return n, nil
}

// Endpoint returns a randomly chosen rpc endpoint of the chain.
func (r *Registry) Endpoint(chainID int64) (string, error) {
	n, err := r.Network(chainID)
	if err != nil {
		return "", err
	}
	return RandomEndpoint(n.Endpoints)
}

// RandomEndpoint picks one of the endpoints.
func RandomEndpoint(endpoints []string) (string, error) {
	if len(endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	return endpoints[rand.IntN(len(endpoints))], nil
}

// Gateway returns the gateway of the chain, dialing it on first use.
func (r *Registry) Gateway(ctx context.Context, chainID int64) (Gateway, error) {
	n, err := r.Network(chainID)
	if err != nil {
		return nil, err
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	if gw, ok := r.gateways[chainID]; ok {
		return gw, nil
	}
	if r.dial == nil {
		return nil, errors.Join(ErrNoEndpoints, fmt.Errorf("no dialer for chain id [ %d ]", chainID))
	}
	gw, err := r.dial(ctx, n)
	if err != nil {
		return nil, err
	}
	r.gateways[chainID] = gw
	return gw, nil
}

// Use sets the gateway of the chain.
func (r *Registry) Use(chainID int64, gw Gateway) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.gateways[chainID] = gw
}

// Close closes all dialed gateways that hold a connection.
func (r *Registry) Close() {
	r.mux.Lock()
	defer r.mux.Unlock()
	for id, gw := range r.gateways {
		if c, ok := gw.(interface{ Close() }); ok {
			c.Close()
		}
		delete(r.gateways, id)
	}
}
