package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// opt is a single command-line option, also settable from the environment
// as HANODE_<FLAG> with dashes turned into underscores.
type opt struct {
	destP interface{}
	flag  string
	dflt  interface{}
	desc  string
}

func newOpt(destP interface{}, flag string, dflt interface{}, desc string) opt {
	return opt{destP: destP, flag: flag, dflt: dflt, desc: desc}
}

func initViper() {
	viper.SetEnvPrefix("HANODE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

// bindOptions adds opts to cmd and registers them with viper.
func bindOptions(cmd *cobra.Command, opts []opt) {
	fs := cmd.Flags()
	for _, o := range opts {
		switch destP := o.destP.(type) {
		case *string:
			var d string
			if o.dflt != nil {
				d = o.dflt.(string)
			}
			fs.StringVar(destP, o.flag, d, o.desc)
			mustBindPFlag(o.flag, fs)
			*destP = viper.GetString(o.flag)
		case *int:
			var d int
			if o.dflt != nil {
				d = o.dflt.(int)
			}
			fs.IntVar(destP, o.flag, d, o.desc)
			mustBindPFlag(o.flag, fs)
			*destP = viper.GetInt(o.flag)
		case *bool:
			var d bool
			if o.dflt != nil {
				d = o.dflt.(bool)
			}
			fs.BoolVar(destP, o.flag, d, o.desc)
			mustBindPFlag(o.flag, fs)
			*destP = viper.GetBool(o.flag)
		case *time.Duration:
			var d time.Duration
			if o.dflt != nil {
				d = o.dflt.(time.Duration)
			}
			fs.DurationVar(destP, o.flag, d, o.desc)
			mustBindPFlag(o.flag, fs)
			*destP = viper.GetDuration(o.flag)
		case *[]string:
			var d []string
			if o.dflt != nil {
				d = o.dflt.([]string)
			}
			fs.StringSliceVar(destP, o.flag, d, o.desc)
			mustBindPFlag(o.flag, fs)
			*destP = viper.GetStringSlice(o.flag)
		default:
			panic(fmt.Errorf("unknown destination type %T", o.destP))
		}
	}
}

func mustBindPFlag(key string, fs *pflag.FlagSet) {
	if err := viper.BindPFlag(key, fs.Lookup(key)); err != nil {
		panic(err)
	}
}
