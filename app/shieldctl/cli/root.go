package cli

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/dynamic-shield/shield-oracle/external/chain"
	"github.com/dynamic-shield/shield-oracle/infrastructure/store/pebbledb"
	"github.com/dynamic-shield/shield-oracle/infrastructure/store/sqldb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "SHIELD_ORACLE_"

// RootOptions holds global flags for all commands. Defaults come from the same environment variables the
// service reads.
type RootOptions struct {
	StoreFolder       string
	Database          string
	RpcUrl            string
	ChainId           uint64
	Contract          string
	PrivateKey        string
	DeploymentsFolder string
	Confirmations     uint64
	Timeout           time.Duration
	Format            string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "shieldctl",
		Short:         "Operate the shield oracle: inspect state, register the operator, seed shields",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return errors.Errorf("invalid format %q: must be one of [text json]", opts.Format)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.StoreFolder, "store", env("SYNC_INTERNAL_STORE_FOLDER", "store"), "internal store folder of the service")
	flags.StringVar(&opts.Database, "db", env("DATABASE_DSN", "shields.db"), "registry database (postgres url or sqlite path)")
	flags.StringVar(&opts.RpcUrl, "rpc", env("CHAIN_RPC_URL", "http://127.0.0.1:8545"), "rpc node url")
	flags.Uint64Var(&opts.ChainId, "chain-id", envUint("CHAIN_CHAIN_ID", 31337), "chain id")
	flags.StringVar(&opts.Contract, "contract", env("CHAIN_CONTRACT_ADDRESS", ""), "shield contract address")
	flags.StringVar(&opts.PrivateKey, "private-key", env("CHAIN_PRIVATE_KEY", ""), "operator private key (hex)")
	flags.StringVar(&opts.DeploymentsFolder, "deployments", env("OPERATOR_DEPLOYMENTS_FOLDER", ""), "folder with the trust registry deployment files")
	flags.Uint64Var(&opts.Confirmations, "confirmations", envUint("CHAIN_CONFIRMATIONS", 0), "confirmations to wait for")
	flags.DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "timeout of the command")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewCheckpointCommand(opts))
	cmd.AddCommand(NewPositionsCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewRegisterOperatorCommand(opts))
	cmd.AddCommand(NewRegisterShieldCommand(opts))
	cmd.AddCommand(NewSendTickCommand(opts))

	return cmd
}

func env(key, fallback string) string {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		return value
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	value, err := strconv.ParseUint(env(key, ""), 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func newLogger() (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	logger, err := config.Build()
	if err != nil {
		return nil, errors.Wrap(err, "creating logger")
	}
	return logger.Sugar(), nil
}

func openStore(opts *RootOptions) (*pebbledb.Store, error) {
	store, err := pebbledb.NewProcessorStore(opts.StoreFolder, "shield-oracle")
	if err != nil {
		return nil, errors.Wrap(err, "opening internal store")
	}
	return store, nil
}

func openRegistry(ctx context.Context, opts *RootOptions) (*sqldb.Registry, error) {
	registry, err := sqldb.Open(sqldb.Config{DSN: opts.Database, PoolMin: 1, PoolMax: 2})
	if err != nil {
		return nil, err
	}
	if err := registry.Migrate(ctx); err != nil {
		_ = registry.Close()
		return nil, errors.Wrap(err, "migrating registry")
	}
	return registry, nil
}

// dialTransactor connects to the node and returns a transactor for the operator key. The caller closes the client.
func dialTransactor(ctx context.Context, opts *RootOptions) (*chain.Transactor, *ethclient.Client, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	signer, err := chain.NewKeySigner(opts.PrivateKey)
	if err != nil {
		return nil, nil, err
	}
	client, err := chain.Dial(ctx, opts.RpcUrl, logger)
	if err != nil {
		return nil, nil, err
	}
	transactor := chain.NewTransactor(client, signer, chain.TransactorConfig{
		ChainID:       new(big.Int).SetUint64(opts.ChainId),
		Confirmations: opts.Confirmations,
		TxTimeout:     opts.Timeout,
	}, logger)
	return transactor, client, nil
}

func contractAddress(opts *RootOptions) (common.Address, error) {
	if !common.IsHexAddress(opts.Contract) {
		return common.Address{}, errors.Errorf("invalid contract address [%s]", opts.Contract)
	}
	return common.HexToAddress(opts.Contract), nil
}

func parsePool(raw string) (common.Hash, error) {
	pool := common.HexToHash(raw)
	if raw == "" || pool == (common.Hash{}) {
		return common.Hash{}, errors.Errorf("invalid pool id [%s]", raw)
	}
	return pool, nil
}

func writeOutput(w io.Writer, format string, value any, text func(w io.Writer)) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	}
	text(w)
	return nil
}
