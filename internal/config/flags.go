package config

import "flag"

// CLIOptions is a small set of stdlib-flag-parsed knobs layered on top
// of the TOML-loaded Config, for the things an operator wants to
// override per-invocation rather than in a config file.
type CLIOptions struct {
	ConfigFile string
	LogFile    string
	Verbose    bool
	ListenAddr string
}

// ParseFlags parses os.Args-style arguments with flag.StringVar/
// BoolVar into a plain struct.
func ParseFlags(args []string) (CLIOptions, error) {
	var opt CLIOptions
	fs := flag.NewFlagSet("keepkeyd", flag.ContinueOnError)
	fs.StringVar(&opt.ConfigFile, "c", "", "Path to a TOML config file overlaying the built-in defaults")
	fs.StringVar(&opt.LogFile, "l", "", "Log into a file, rotating after 5MB")
	fs.BoolVar(&opt.Verbose, "v", false, "Verbose logging")
	fs.StringVar(&opt.ListenAddr, "a", "", "HTTP listen address, overriding the config file/default")
	if err := fs.Parse(args); err != nil {
		return CLIOptions{}, err
	}
	return opt, nil
}
