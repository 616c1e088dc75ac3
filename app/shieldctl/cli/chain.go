package cli

import (
	"context"
	"fmt"
	"math/big"

	"github.com/dynamic-shield/shield-oracle/business/domain/operator"
	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/dynamic-shield/shield-oracle/external/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewRegisterOperatorCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		metadataURI string
		addresses   struct {
			delegationManager string
			avsDirectory      string
			stakeRegistry     string
			serviceManager    string
		}
	)

	cmd := &cobra.Command{
		Use:   "register-operator",
		Short: "Register the operator key with the trust registry",
		Long: `Register the operator key as operator and with the service. Steps that were done
before are skipped, so the command can be repeated.

The trust registry addresses are read from the deployments folder if set, otherwise from the flags.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			registryAddresses := chain.TrustRegistryAddresses{
				DelegationManager: common.HexToAddress(addresses.delegationManager),
				AVSDirectory:      common.HexToAddress(addresses.avsDirectory),
				StakeRegistry:     common.HexToAddress(addresses.stakeRegistry),
				ServiceManager:    common.HexToAddress(addresses.serviceManager),
			}
			if rootOpts.DeploymentsFolder != "" {
				var err error
				registryAddresses, err = chain.LoadDeployment(rootOpts.DeploymentsFolder, rootOpts.ChainId)
				if err != nil {
					return errors.Wrap(err, "loading deployment")
				}
			} else if registryAddresses.DelegationManager == (common.Address{}) || registryAddresses.StakeRegistry == (common.Address{}) {
				return errors.New("trust registry addresses missing: set --deployments or the address flags")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			transactor, client, err := dialTransactor(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer client.Close()

			logger, err := newLogger()
			if err != nil {
				return err
			}
			registrar := operator.NewRegistrar(chain.NewTrustRegistry(transactor, registryAddresses, metadataURI),
				transactor.Signer(), transactor, operator.DefaultRegistrationExpiry, logger)
			if err := registrar.RegisterIfNeeded(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operator %s registered\n", registrar.Address().Hex())
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&metadataURI, "metadata-uri", env("OPERATOR_METADATA_URI", ""), "operator metadata uri")
	flags.StringVar(&addresses.delegationManager, "delegation-manager", env("OPERATOR_DELEGATION_MANAGER", ""), "delegation manager address")
	flags.StringVar(&addresses.avsDirectory, "avs-directory", env("OPERATOR_AVS_DIRECTORY", ""), "avs directory address")
	flags.StringVar(&addresses.stakeRegistry, "stake-registry", env("OPERATOR_STAKE_REGISTRY", ""), "stake registry address")
	flags.StringVar(&addresses.serviceManager, "service-manager", env("OPERATOR_SERVICE_MANAGER", ""), "service manager address")
	return cmd
}

func NewRegisterShieldCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		pool      string
		tokenID   string
		tickLower int32
		tickUpper int32
		owner     string
	)

	cmd := &cobra.Command{
		Use:          "register-shield",
		Short:        "Register a shielded position on the contract",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := parsePosition(pool, tokenID, tickLower, tickUpper, owner)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			submitter, closeClient, err := newSubmitter(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer closeClient()

			receipt, err := submitter.RegisterShield(ctx, position)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "shield registered in tx %s (block %s)\n", receipt.TxHash.Hex(), receipt.BlockNumber)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&pool, "pool", "", "pool id (32 byte hex)")
	flags.StringVar(&tokenID, "token", "", "token id of the position")
	flags.Int32Var(&tickLower, "lower", 0, "lower tick of the shielded range")
	flags.Int32Var(&tickUpper, "upper", 0, "upper tick of the shielded range")
	flags.StringVar(&owner, "owner", "", "owner address of the position")
	_ = cmd.MarkFlagRequired("pool")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func NewSendTickCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		pool string
		tick int32
	)

	cmd := &cobra.Command{
		Use:          "send-tick",
		Short:        "Emit a tick event for a pool",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			poolID, err := parsePool(pool)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			submitter, closeClient, err := newSubmitter(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer closeClient()

			receipt, err := submitter.SendTick(ctx, poolID, tick)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tick %d sent in tx %s (block %s)\n", tick, receipt.TxHash.Hex(), receipt.BlockNumber)
			return nil
		},
	}

	cmd.Flags().StringVar(&pool, "pool", "", "pool id (32 byte hex)")
	cmd.Flags().Int32Var(&tick, "tick", 0, "current tick of the pool")
	_ = cmd.MarkFlagRequired("pool")
	_ = cmd.MarkFlagRequired("tick")
	return cmd
}

func newSubmitter(ctx context.Context, rootOpts *RootOptions) (*chain.RemediationSubmitter, func(), error) {
	contract, err := contractAddress(rootOpts)
	if err != nil {
		return nil, nil, err
	}
	transactor, client, err := dialTransactor(ctx, rootOpts)
	if err != nil {
		return nil, nil, err
	}
	return chain.NewRemediationSubmitter(transactor, contract), client.Close, nil
}

func parsePosition(pool, tokenID string, tickLower, tickUpper int32, owner string) (entities.ShieldPosition, error) {
	poolID, err := parsePool(pool)
	if err != nil {
		return entities.ShieldPosition{}, err
	}
	token, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return entities.ShieldPosition{}, errors.Errorf("invalid token id [%s]", tokenID)
	}
	if !common.IsHexAddress(owner) {
		return entities.ShieldPosition{}, errors.Errorf("invalid owner address [%s]", owner)
	}
	position := entities.ShieldPosition{
		PoolID:    poolID,
		TokenID:   token,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Owner:     common.HexToAddress(owner),
	}
	return position, position.Validate()
}
