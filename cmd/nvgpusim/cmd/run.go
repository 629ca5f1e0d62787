package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sarchlab/nvgpusim/workload"
)

var runSpec = workload.DefaultSpec()

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic submission workload.",
	Long: "`run` opens channels, submits work round robin with a fence " +
		"per submission, and reports latency and ring occupancy.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := buildPlatform(cmd)
		if err != nil {
			return err
		}
		defer p.Terminate()

		r := workload.NewRunner(p, runSpec)

		chs, err := r.Setup()
		if err != nil {
			return err
		}

		res, err := r.Run(chs)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printResult(out, res)
		printPlatform(out, p)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.IntVar(&runSpec.Channels, "channels", runSpec.Channels,
		"number of channels")
	f.IntVar(&runSpec.Submissions, "submissions", runSpec.Submissions,
		"number of submissions")
	f.Uint32Var(&runSpec.EntriesPerSubmit, "entries", runSpec.EntriesPerSubmit,
		"gpfifo entries per submission")
	f.Uint32Var(&runSpec.WordsPerEntry, "words", runSpec.WordsPerEntry,
		"command words per entry")
	f.Uint32Var(&runSpec.RingEntries, "ring", runSpec.RingEntries,
		"gpfifo entries per channel, a power of two")
	f.IntVar(&runSpec.PreallocJobs, "prealloc", runSpec.PreallocJobs,
		"preallocated jobs per channel, required for deterministic channels")
	f.BoolVar(&runSpec.Deterministic, "deterministic", false,
		"open deterministic channels")
	f.BoolVar(&runSpec.SharedTSG, "tsg", false, "bind all channels to one TSG")
	f.BoolVar(&runSpec.SuppressWFI, "suppress-wfi", false,
		"skip the wait-for-idle before fence increments")
	f.Uint64Var(&runSpec.MaxRetries, "retries", runSpec.MaxRetries,
		"retries of a submission that found the ring full")
}
