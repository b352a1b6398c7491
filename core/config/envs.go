package config

import "fmt"

type Chain struct {
	ID          uint64
	Name        string
	ExplorerURL string
}

var (
	SoneiumMinato = Chain{ID: 1946, Name: "Soneium Minato", ExplorerURL: "https://soneium-minato.blockscout.com"}
	Soneium       = Chain{ID: 1868, Name: "Soneium", ExplorerURL: "https://soneium.blockscout.com"}

	knownChains = []Chain{SoneiumMinato, Soneium}
)

func ChainName(id uint64) string {
	for _, c := range knownChains {
		if c.ID == id {
			return c.Name
		}
	}
	return fmt.Sprintf("chain %d", id)
}

// TxURL links a transaction on the chain explorer, or returns "" for an
// unknown chain.
func TxURL(chainID uint64, txHash string) string {
	for _, c := range knownChains {
		if c.ID == chainID {
			return c.ExplorerURL + "/tx/" + txHash
		}
	}
	return ""
}
