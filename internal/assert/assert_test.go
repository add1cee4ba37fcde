package assert

import "testing"

func TestTrue(t *testing.T) {
	t.Parallel()
	True(true, "never fires")

	defer func() {
		r := recover()
		if enabled && r == nil {
			t.Error("expected panic with assertions enabled")
		}
		if !enabled && r != nil {
			t.Errorf("unexpected panic with assertions disabled: %v", r)
		}
	}()
	True(false, "fires only in debug builds")
}
