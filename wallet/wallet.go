package wallet

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var (
	ErrNoKey      = errors.New("relay key not provided")
	ErrInvalidKey = errors.New("invalid relay key")
)

// Config locates the relay key, the raw private key takes precedence over the keystore.
type Config struct {
	PrivateKey       string `yaml:"-" env:"RELAYER_PRIVATE_KEY"`
	KeystorePath     string `yaml:"keystore_path" env:"RELAYER_KEYSTORE_PATH"`
	KeystorePassword string `yaml:"-" env:"RELAYER_KEYSTORE_PASSWORD"`
}

// Load reads the relay key from the configured source.
func (c Config) Load() (Wallet, error) {
	if c.PrivateKey != "" {
		return FromHex(c.PrivateKey)
	}
	if c.KeystorePath != "" {
		return ReadKeystore(c.KeystorePath, c.KeystorePassword)
	}
	return Wallet{}, ErrNoKey
}

// Wallet holds the relay secp256k1 key paying the network fee.
type Wallet struct {
	key *ecdsa.PrivateKey
}

// New tries to creates a new Wallet or returns error otherwise.
func New() (Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Wallet{}, err
	}
	return Wallet{key: key}, nil
}

// FromHex creates Wallet from the hex encoded private key, 0x prefix is optional.
func FromHex(raw string) (Wallet, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return Wallet{}, ErrNoKey
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return Wallet{}, errors.Join(ErrInvalidKey, err)
	}
	return Wallet{key: key}, nil
}

// ReadKeystore creates Wallet from the encrypted keystore file.
func ReadKeystore(path, passphrase string) (Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Wallet{}, err
	}
	k, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return Wallet{}, errors.Join(ErrInvalidKey, err)
	}
	return Wallet{key: k.PrivateKey}, nil
}

// SaveKeystore encrypts the key and saves it in the keystore format under dir.
// Returns the path to the created file.
func (w Wallet) SaveKeystore(dir, passphrase string) (string, error) {
	if w.key == nil {
		return "", ErrNoKey
	}
	k := &keystore.Key{
		Id:         uuid.New(),
		Address:    w.Address(),
		PrivateKey: w.key,
	}
	raw, err := keystore.EncryptKey(k, passphrase, keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, strings.ToLower(w.Address().Hex())+".json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Address returns the relay account address.
func (w Wallet) Address() common.Address {
	if w.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(w.key.PublicKey)
}

// SignHash signs the raw 32 byte digest without any prefix.
func (w Wallet) SignHash(digest common.Hash) ([]byte, error) {
	if w.key == nil {
		return nil, ErrNoKey
	}
	return crypto.Sign(digest[:], w.key)
}

// SignTx signs the network transaction for the chain.
func (w Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if w.key == nil {
		return nil, ErrNoKey
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
}
