//go:build darwin

package server

import (
	"testing"

	"github.com/rfratto/fine"
)

func TestUnimplementedFilesystem_DarwinDefaults(t *testing.T) {
	runDefaultCases(t, []defaultCase{
		{op: fine.OpSetvolname, req: &fine.SetvolnameRequest{Name: "vol"}, expectErr: fine.ErrorUnimplemented, logLevel: "debug"},
		{op: fine.OpExchange, req: &fine.ExchangeRequest{NewDir: fine.RootNode, OldName: "a", NewName: "b"}, expectErr: fine.ErrorUnimplemented, logLevel: "debug"},
		{op: fine.OpGetxtimes, expectErr: fine.ErrorUnimplemented, logLevel: "debug"},
	})
}
