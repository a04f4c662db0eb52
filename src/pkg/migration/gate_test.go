package migration_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/tripledger/tripledger/src/pkg/migration"
	"github.com/tripledger/tripledger/src/pkg/migration/mock"
)

func gateRegistry() *migration.Registry {
	return migration.MustNewRegistry(
		&migration.Descriptor{Version: 1, Name: "initial"},
		&migration.Descriptor{Version: 2, Name: "add paid flag", UpgradeBarrier: true},
		&migration.Descriptor{Version: 3, Name: "add invoice company"},
		&migration.Descriptor{Version: 4, Name: "add metadata"},
		&migration.Descriptor{Version: 5, Name: "drop legacy flag", Kind: migration.KindManual},
	)
}

func TestGate_Decide(t *testing.T) {
	registry := gateRegistry()
	automaticOnly := migration.MustNewRegistry(registry.All()[:4]...)

	tests := []struct {
		name       string
		situation  migration.Situation
		buttons    int
		directives []migration.Directive
		cancelID   int
	}{
		{
			name:       "barrier offers reset or cancel",
			situation:  migration.NewSituation(registry, 1),
			buttons:    2,
			directives: []migration.Directive{migration.DirectiveReset, migration.DirectiveCancel},
			cancelID:   1,
		},
		{
			name:       "automatic only never offers reset",
			situation:  migration.NewSituation(automaticOnly, 2),
			buttons:    2,
			directives: []migration.Directive{migration.DirectiveMigrate, migration.DirectiveCancel},
			cancelID:   1,
		},
		{
			name:      "manual pending offers all three",
			situation: migration.NewSituation(registry, 3),
			buttons:   3,
			directives: []migration.Directive{
				migration.DirectiveMigrate, migration.DirectiveReset, migration.DirectiveCancel,
			},
			cancelID: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for choice, want := range tt.directives {
				ctrl := gomock.NewController(t)
				prompter := mock.NewMockPrompter(ctrl)

				var shown migration.Dialog
				prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).DoAndReturn(
					func(_ context.Context, d migration.Dialog) (int, error) {
						shown = d
						return choice, nil
					})

				got, err := migration.NewGate(prompter).Decide(context.Background(), tt.situation)
				require.NoError(t, err)
				assert.Equal(t, want, got)
				assert.Len(t, shown.Buttons, tt.buttons)
				assert.Equal(t, tt.cancelID, shown.CancelID)
				assert.Equal(t, migration.DirectiveCancel, tt.directives[shown.CancelID])
			}
		})
	}
}

func TestGate_Decide_AutomaticOnlyHidesReset(t *testing.T) {
	registry := migration.MustNewRegistry(gateRegistry().All()[:4]...)
	for from := uint(2); from < registry.CurrentVersion(); from++ {
		ctrl := gomock.NewController(t)
		prompter := mock.NewMockPrompter(ctrl)
		prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, d migration.Dialog) (int, error) {
				assert.NotContains(t, d.Buttons, "重置数据库")
				return 0, nil
			})

		got, err := migration.NewGate(prompter).Decide(context.Background(), migration.NewSituation(registry, from))
		require.NoError(t, err)
		assert.Equal(t, migration.DirectiveMigrate, got)
	}
}

func TestGate_Decide_AutomaticBackupNotice(t *testing.T) {
	const notice = "升级前会自动备份数据库"
	plain := migration.MustNewRegistry(
		&migration.Descriptor{Version: 1, Name: "initial"},
		&migration.Descriptor{Version: 2, Name: "add invoice company"},
	)
	backed := migration.MustNewRegistry(
		&migration.Descriptor{Version: 1, Name: "initial"},
		&migration.Descriptor{Version: 2, Name: "add paid flag", RequiresBackup: true},
	)

	tests := []struct {
		name     string
		registry *migration.Registry
		notice   bool
	}{
		{name: "no backup requested", registry: plain, notice: false},
		{name: "backup requested", registry: backed, notice: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			prompter := mock.NewMockPrompter(ctrl)

			var shown migration.Dialog
			prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, d migration.Dialog) (int, error) {
					shown = d
					return 1, nil
				})

			situation := migration.NewSituation(tt.registry, 1)
			assert.Equal(t, tt.notice, situation.RequiresBackup)
			_, err := migration.NewGate(prompter).Decide(context.Background(), situation)
			require.NoError(t, err)
			if tt.notice {
				assert.Contains(t, shown.Detail, notice)
			} else {
				assert.NotContains(t, shown.Detail, notice)
			}
			assert.Contains(t, shown.Detail, "add")
		})
	}
}

func TestGate_Decide_Errors(t *testing.T) {
	ctrl := gomock.NewController(t)
	prompter := mock.NewMockPrompter(ctrl)
	gate := migration.NewGate(prompter)
	situation := migration.NewSituation(gateRegistry(), 3)

	promptErr := errors.New("window closed")
	prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).Return(0, promptErr)
	got, err := gate.Decide(context.Background(), situation)
	assert.ErrorIs(t, err, promptErr)
	assert.Equal(t, migration.DirectiveCancel, got)

	// 越界的选择视为取消
	prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).Return(7, nil)
	got, err = gate.Decide(context.Background(), situation)
	require.NoError(t, err)
	assert.Equal(t, migration.DirectiveCancel, got)
}

func TestGate_ConfirmReset(t *testing.T) {
	ctrl := gomock.NewController(t)
	prompter := mock.NewMockPrompter(ctrl)
	gate := migration.NewGate(prompter)

	prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, d migration.Dialog) (int, error) {
			assert.Equal(t, migration.DialogWarning, d.Type)
			// 默认按钮必须是取消
			assert.Equal(t, 1, d.DefaultID)
			return 0, nil
		})
	ok, err := gate.ConfirmReset(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).Return(1, nil)
	ok, err = gate.ConfirmReset(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
