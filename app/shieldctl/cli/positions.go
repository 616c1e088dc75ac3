package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

type positionView struct {
	ID         int64   `json:"id"`
	PoolID     string  `json:"poolId"`
	TokenID    string  `json:"tokenId"`
	TickLower  int32   `json:"tickLower"`
	TickUpper  int32   `json:"tickUpper"`
	Owner      string  `json:"owner"`
	Remediated *string `json:"remediatedAt"`
}

type positionsView struct {
	Active    int64          `json:"active"`
	Total     int64          `json:"total"`
	Positions []positionView `json:"positions"`
}

func NewPositionsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		pool  string
		limit int
	)

	cmd := &cobra.Command{
		Use:          "positions",
		Short:        "List the registered shield positions",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var poolID common.Hash
			if pool != "" {
				var err error
				if poolID, err = parsePool(pool); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			registry, err := openRegistry(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer registry.Close()

			positions, err := registry.List(ctx, poolID, limit)
			if err != nil {
				return err
			}
			active, total, err := registry.Count(ctx)
			if err != nil {
				return err
			}

			view := positionsView{Active: active, Total: total, Positions: toPositionViews(positions)}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, view, func(w io.Writer) {
				fmt.Fprintf(w, "active: %d total: %d\n", view.Active, view.Total)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "POOL\tTOKEN\tLOWER\tUPPER\tOWNER\tREMEDIATED")
				for _, p := range view.Positions {
					remediated := "-"
					if p.Remediated != nil {
						remediated = *p.Remediated
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", p.PoolID, p.TokenID, p.TickLower, p.TickUpper, p.Owner, remediated)
				}
				_ = tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&pool, "pool", "", "only list positions of this pool id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of positions")
	return cmd
}

func toPositionViews(positions []entities.ShieldPosition) []positionView {
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		view := positionView{
			ID:        p.ID,
			PoolID:    p.PoolID.Hex(),
			TokenID:   p.TokenID.String(),
			TickLower: p.TickLower,
			TickUpper: p.TickUpper,
			Owner:     p.Owner.Hex(),
		}
		if p.RemediatedAt != nil {
			ts := p.RemediatedAt.UTC().Format(time.DateTime)
			view.Remediated = &ts
		}
		views = append(views, view)
	}
	return views
}
