package probe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/batfuse/internal/identity"
)

const samplePrefsExport = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>DeviceCache</key>
	<dict>
		<key>aa-bb-cc-dd-ee-ff</key>
		<dict>
			<key>Name</key>
			<string>My Earbuds</string>
			<key>BatteryPercent</key>
			<real>0.85</real>
		</dict>
		<key>11-22-33-44-55-66</key>
		<dict>
			<key>Name</key>
			<string>Plain Mouse</string>
		</dict>
		<key>99-88-77-66-55-44</key>
		<dict>
			<key>DisplayName</key>
			<string>Split Buds</string>
			<key>BatteryPercentLeft</key>
			<integer>40</integer>
			<key>BatteryPercentRight</key>
			<integer>55</integer>
		</dict>
	</dict>
	<key>ControllerPowerState</key>
	<integer>1</integer>
</dict>
</plist>`

func TestPreferencesProbe_Parse(t *testing.T) {
	p := &PreferencesProbe{runner: &fakeRunner{output: map[string][]byte{"defaults": []byte(samplePrefsExport)}}}

	snap, err := p.Collect(context.Background())
	require.NoError(t, err)

	// Fraction-scale value converted to a percentage.
	assert.Equal(t, 85, snap.ByAddress[identity.NormalizeAddress("AA:BB:CC:DD:EE:FF")])
	assert.Equal(t, 85, snap.ByName[identity.Key("myearbuds")])

	// Split fields reduce to the max; DisplayName fallback works.
	assert.Equal(t, 55, snap.ByName[identity.Key("splitbuds")])

	// Records without battery fields contribute nothing.
	assert.NotContains(t, snap.ByName, identity.Key("plainmouse"))
}

func TestPreferencesProbe_NoDeviceCache(t *testing.T) {
	empty := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0"><dict><key>Other</key><integer>1</integer></dict></plist>`
	p := &PreferencesProbe{runner: &fakeRunner{output: map[string][]byte{"defaults": []byte(empty)}}}

	snap, err := p.Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Empty())
}

func TestPreferencesProbe_FailsClosed(t *testing.T) {
	p := &PreferencesProbe{runner: &fakeRunner{err: errors.New("spawn failed")}}

	snap, err := p.Collect(context.Background())
	assert.Error(t, err)
	assert.True(t, snap.Empty())
}
