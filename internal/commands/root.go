package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evalgo.org/seed/internal/config"
	"evalgo.org/seed/internal/version"
)

var (
	cfgFile string
	cfg     *config.Config

	singleDevice bool
	network      string
	ips          string
	skipScan     bool
	dryRun       bool
	askPass      bool
	reportFormat string

	startServices   bool
	stopServices    bool
	restartServices bool
	statusServices  bool
	uninstall       bool
	deploymentID    string
	assumeYes       bool
)

var rootCmd = &cobra.Command{
	Use:   "seed",
	Short: "Deploy a self-hosted AI media platform across your local machines",
	Long: `Seed discovers the machines on your network, profiles their hardware,
decides which one hosts which part of the platform and installs everything
over SSH.

Run without lifecycle flags to deploy. Use --start, --stop, --restart,
--status or --uninstall to manage an existing deployment.`,
	Version:       version.Version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if action, ok := lifecycleAction(); ok {
			return runLifecycle(cmd, action)
		}
		return runDeploy(cmd)
	},
}

// Execute runs the root command. Errors carrying an exit code are *ExitError.
func Execute() error {
	// main sets the build info after package init
	rootCmd.Version = version.Version
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./seed.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, text)")
	rootCmd.PersistentFlags().String("output-dir", "", "directory for deployment artifacts (default: config dir)")
	rootCmd.PersistentFlags().String("ssh-user", "", "account used on remote devices")

	// These should never fail as flags are defined above
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))   //nolint:errcheck
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format")) //nolint:errcheck
	_ = viper.BindPFlag("output_dir", rootCmd.PersistentFlags().Lookup("output-dir"))     //nolint:errcheck
	_ = viper.BindPFlag("ssh.user", rootCmd.PersistentFlags().Lookup("ssh-user"))         //nolint:errcheck

	flags := rootCmd.Flags()
	flags.BoolVar(&singleDevice, "single-device", false, "install everything on this machine only")
	flags.StringVar(&network, "network", "", "CIDR to scan (default: the local /24)")
	flags.StringVar(&ips, "ips", "", "comma-separated device addresses; disables scanning")
	flags.BoolVar(&skipScan, "skip-scan", false, "deploy to this machine plus --ips without scanning")
	flags.BoolVar(&dryRun, "dry-run", false, "plan and write the deployment artifact without installing")
	flags.BoolVar(&askPass, "ask-pass", false, "prompt for the SSH password used to install the controller key")
	flags.StringVar(&reportFormat, "report-format", "table", "output format (table, yaml, json)")
	flags.String("install-root", "", "directory services install beneath on every node")
	_ = viper.BindPFlag("install.root", flags.Lookup("install-root")) //nolint:errcheck

	flags.BoolVar(&startServices, "start", false, "start the services of a deployment")
	flags.BoolVar(&stopServices, "stop", false, "stop the services of a deployment")
	flags.BoolVar(&restartServices, "restart", false, "restart the services of a deployment")
	flags.BoolVar(&statusServices, "status", false, "show service status of a deployment")
	flags.BoolVar(&uninstall, "uninstall", false, "remove every service of a deployment")
	flags.StringVar(&deploymentID, "deployment-id", "", "deployment to manage (default: most recent)")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	rootCmd.MarkFlagsMutuallyExclusive("start", "stop", "restart", "status", "uninstall")
	rootCmd.MarkFlagsMutuallyExclusive("single-device", "network")
	rootCmd.MarkFlagsMutuallyExclusive("single-device", "ips")

	rootCmd.AddCommand(versionCmd)

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "%s" .Version}}
`)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(ExitFailure)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return writeVersion(cmd.OutOrStdout(), version.Get(), cmd.Flag("verbose").Changed, asJSON)
	},
}

func writeVersion(w io.Writer, info version.Info, verbose, asJSON bool) error {
	if asJSON {
		data, err := info.JSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	fmt.Fprintln(w, info.String())
	if verbose {
		fmt.Fprintf(w, "\nDetails:\n")
		fmt.Fprintf(w, "  Module:     %s\n", info.Module)
		fmt.Fprintf(w, "  Version:    %s\n", info.Version)
		fmt.Fprintf(w, "  Git Commit: %s\n", info.GitCommit)
		fmt.Fprintf(w, "  Built:      %s\n", info.BuildTime)
		fmt.Fprintf(w, "  Go Version: %s\n", info.GoVersion)
		fmt.Fprintf(w, "  Platform:   %s\n", info.Platform)
	}
	return nil
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "verbose version output")
	versionCmd.Flags().Bool("json", false, "print version information as JSON")
}
