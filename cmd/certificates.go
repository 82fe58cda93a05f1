package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"certmint/models"
)

var (
	flagNetwork string
	flagAccount string
	flagFile    string
)

func parseAccount(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, eris.Errorf("invalid account %q", s)
	}
	return common.HexToAddress(s), nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a certificate from an analysis result file and wait for the receipt",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(flagFile)
		if err != nil {
			return eris.Wrap(err, "read request")
		}
		var req models.MintRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return eris.Wrap(err, "decode request")
		}
		if flagNetwork != "" {
			req.Network = flagNetwork
		}
		if flagAccount != "" {
			req.Account = flagAccount
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		sess, err := a.session(req.Network, req.Account)
		if err != nil {
			return err
		}
		attempt, err := a.orchestrator.Submit(cmd.Context(), sess, req)
		if err != nil {
			return err
		}

		updates, stop := attempt.Subscribe()
		defer stop()
		go func() {
			for u := range updates {
				line := fmt.Sprintf("%3d%% %s", u.Progress, u.State)
				if u.Phase != "" {
					line += "/" + u.Phase
				}
				if u.Waiting {
					line += " (still waiting)"
				}
				fmt.Fprintln(cmd.ErrOrStderr(), line)
			}
		}()

		snap, err := attempt.Wait(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(cmd, snap); err != nil {
			return err
		}
		if snap.Failure != nil {
			return eris.Errorf("mint failed at %s: %s", snap.Failure.Step, snap.Failure.Kind)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificates for an account, merging chain and local records",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		sess, err := a.session(flagNetwork, flagAccount)
		if err != nil {
			return err
		}
		listing, err := a.reconciler.LoadCertificates(cmd.Context(), sess)
		if err != nil {
			return err
		}
		return printJSON(cmd, listing)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit counts for an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		sess, err := a.session(flagNetwork, flagAccount)
		if err != nil {
			return err
		}
		stats, err := a.reconciler.Stats(cmd.Context(), sess)
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

func init() {
	for _, c := range []*cobra.Command{mintCmd, listCmd, statsCmd} {
		c.Flags().StringVar(&flagNetwork, "network", "", "network key (default from config)")
		c.Flags().StringVar(&flagAccount, "account", "", "wallet account address")
		rootCmd.AddCommand(c)
	}
	mintCmd.Flags().StringVarP(&flagFile, "file", "f", "", "JSON mint request")
	_ = mintCmd.MarkFlagRequired("file")
}
