package flag

// CLI is the command line of msikvm.
type CLI struct {
	LogLevel string `help:"Logging level (trace/debug/info/warn/error)." default:"info" enum:"trace,debug,info,warn,error"`

	Probe   ProbeCMD   `cmd:"" help:"Print the KVM capabilities MSI routing relies on."`
	Replay  ReplayCMD  `cmd:"" help:"Create MSI devices and replay guest configuration writes against them."`
	Restore RestoreCMD `cmd:"" help:"Recreate MSI devices from a snapshot."`
}

type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" type:"path" help:"path of kvm device"`
}

type ReplayCMD struct {
	Dev      string `short:"D" default:"/dev/kvm" type:"path" help:"path of kvm device"`
	Config   string `short:"c" required:"" type:"existingfile" help:"YAML description of the devices and their writes"`
	GSICount string `help:"number of GSIs for MSI routes as number[kK], overrides gsi_count"`
	Save     string `short:"s" type:"path" help:"write a snapshot to this file after replay"`
	Metrics  string `help:"serve prometheus metrics on this address until interrupted"`
}

type RestoreCMD struct {
	Dev      string `short:"D" default:"/dev/kvm" type:"path" help:"path of kvm device"`
	Snapshot string `short:"s" required:"" type:"existingfile" help:"snapshot written by replay --save"`
	Metrics  string `help:"serve prometheus metrics on this address until interrupted"`
}
