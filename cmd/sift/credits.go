package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/siftlabs/sift/internal/credits"
)

var creditsMonth string

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Manage credit balances",
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's credit balance for a month",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		month := creditsMonth
		if month == "" {
			month = credits.MonthOf(time.Now())
		}
		balance, err := a.ledger.Balance(cmd.Context(), args[0], month)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: %.2f credits\n", args[0], month, balance)
		return nil
	},
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount>",
	Short: "Grant monthly credits to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.ledger.Grant(cmd.Context(), args[0], amount)
		if err != nil {
			return err
		}
		fmt.Printf("granted %.2f credits to %s for %s\n", entry.Delta, entry.UserID, entry.Month)
		return nil
	},
}

var creditsAdjustCmd = &cobra.Command{
	Use:   "adjust <user-id> <delta>",
	Short: "Apply a signed admin adjustment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid delta %q: %w", args[1], err)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.ledger.Adjust(cmd.Context(), args[0], delta)
		if err != nil {
			return err
		}
		fmt.Printf("applied %+.2f adjustment to %s for %s\n", entry.Delta, entry.UserID, entry.Month)
		return nil
	},
}

var creditsHistoryCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "List a user's ledger entries for a month",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		month := creditsMonth
		if month == "" {
			month = credits.MonthOf(time.Now())
		}
		entries, err := a.store.ListUserEntries(cmd.Context(), args[0], month)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CREATED\tREASON\tDELTA\tJOB")
		for _, e := range entries {
			jobID := e.JobID
			if jobID == "" {
				jobID = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%+.2f\t%s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Reason, e.Delta, jobID)
		}
		return w.Flush()
	},
}

func init() {
	creditsCmd.PersistentFlags().StringVar(&creditsMonth, "month", "", `month as YYYY-MM (default: current)`)

	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsGrantCmd)
	creditsCmd.AddCommand(creditsAdjustCmd)
	creditsCmd.AddCommand(creditsHistoryCmd)
}
