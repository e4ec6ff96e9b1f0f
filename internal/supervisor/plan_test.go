package supervisor_test

import (
	"testing"

	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/supervisor"

	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	t.Setenv(model.BaseDirEnv, "/qa")

	var tests = []struct {
		scenario string
		given    model.Config
		then     func(t *testing.T, req supervisor.Request)
	}{
		{
			scenario: "create",
			given: model.Config{
				Run:      model.Run{Kind: model.RunKindCreate, Dir: "out", ScriptExt: "csh"},
				Settings: map[string]any{"create_package": "make_pkg"},
			},
			then: func(t *testing.T, req supervisor.Request) {
				require.Equal(t, "/qa/out", req.Dir)
				require.Equal(t, "/qa", req.BaseDir)
				require.Equal(t, "make_pkg", req.Settings["create_package"])
				require.Equal(t, []supervisor.Phase{{
					Name:    supervisor.PhaseCreatePackage,
					Mode:    model.ModeNew,
					Package: "package_new",
				}}, req.Phases)
			},
		},
		{
			scenario: "create with package name",
			given: model.Config{
				Run:    model.Run{Kind: model.RunKindCreate, Dir: "/abs/out"},
				Create: &model.Create{Package: "lib_v2"},
			},
			then: func(t *testing.T, req supervisor.Request) {
				require.Equal(t, "/abs/out", req.Dir)
				require.Equal(t, "lib_v2", req.Phases[0].Package)
			},
		},
		{
			scenario: "compare both new",
			given: model.Config{
				Run: model.Run{Kind: model.RunKindCompare, Dir: "out"},
				Compare: &model.Compare{
					Golden: model.Package{Source: model.SourceNew},
					Alpha:  model.Package{Source: model.SourceNew},
				},
			},
			then: func(t *testing.T, req supervisor.Request) {
				require.Len(t, req.Phases, 3)
				for _, p := range req.Phases {
					require.False(t, p.Skip)
				}
				require.Equal(t, supervisor.PhaseComparePackages, req.Phases[2].Name)
				require.Equal(t, "/qa/out/packages/package_golden", req.Packages["GOLDEN"])
				require.Equal(t, "/qa/out/packages/package_alpha", req.Packages["ALPHA"])
			},
		},
		{
			scenario: "compare existing golden",
			given: model.Config{
				Run: model.Run{Kind: model.RunKindCompare, Dir: "out"},
				Compare: &model.Compare{
					Golden: model.Package{Source: model.SourceExisted, Path: "golden/pkg"},
					Alpha:  model.Package{Source: model.SourceNew},
				},
			},
			then: func(t *testing.T, req supervisor.Request) {
				require.True(t, req.Phases[0].Skip)
				require.Contains(t, req.Phases[0].SkipReason, "golden package exists")
				require.False(t, req.Phases[1].Skip)
				require.Equal(t, "/qa/golden/pkg", req.Packages["GOLDEN"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			req, err := supervisor.NewRequest(tt.given)
			require.NoError(t, err)
			tt.then(t, req)
		})
	}
}

func TestNewRequestFail(t *testing.T) {
	t.Setenv(model.BaseDirEnv, "/qa")

	_, err := supervisor.NewRequest(model.Config{Run: model.Run{Kind: model.RunKindCreate}})
	require.Error(t, err)

	_, err = supervisor.NewRequest(model.Config{Run: model.Run{Kind: model.RunKindCompare, Dir: "out"}})
	require.Error(t, err)

	_, err = supervisor.NewRequest(model.Config{Run: model.Run{Kind: "merge", Dir: "out"}})
	require.Error(t, err)
}
