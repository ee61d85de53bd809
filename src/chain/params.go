package chain

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mosaicnetworks/btcnode/src/wire"
)

// Params are the network constants a node is bound to.
type Params struct {
	Name        string
	Net         uint32
	DefaultPort string
	DNSSeeds    []string
	Genesis     *wire.MsgBlock
	GenesisHash chainhash.Hash
	PowLimit    *big.Int
}

// ParamsForNetwork returns the parameters of a named network: mainnet,
// testnet3, regtest, signet or simnet.
func ParamsForNetwork(name string) (*Params, error) {
	var p *chaincfg.Params
	switch name {
	case "mainnet", "main":
		p = &chaincfg.MainNetParams
	case "testnet3", "testnet":
		p = &chaincfg.TestNet3Params
	case "regtest":
		p = &chaincfg.RegressionNetParams
	case "signet":
		p = &chaincfg.SigNetParams
	case "simnet":
		p = &chaincfg.SimNetParams
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
	return newParams(p)
}

func newParams(p *chaincfg.Params) (*Params, error) {
	// chaincfg's genesis blocks are package globals; the chain gets its own
	// copy.
	genesis := &wire.MsgBlock{Header: p.GenesisBlock.Header}
	for _, tx := range p.GenesisBlock.Transactions {
		genesis.Transactions = append(genesis.Transactions, tx.Copy())
	}

	seeds := make([]string, 0, len(p.DNSSeeds))
	for _, s := range p.DNSSeeds {
		seeds = append(seeds, s.Host)
	}

	return &Params{
		Name:        p.Name,
		Net:         uint32(p.Net),
		DefaultPort: p.DefaultPort,
		DNSSeeds:    seeds,
		Genesis:     genesis,
		GenesisHash: genesis.BlockHash(),
		PowLimit:    new(big.Int).Set(p.PowLimit),
	}, nil
}
