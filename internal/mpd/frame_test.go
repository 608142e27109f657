package mpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDoc(t *testing.T, xml string) *Frame {
	t.Helper()
	doc, err := ParseDocument([]byte(xml))
	require.NoError(t, err)
	return RootFrame(doc.Root(), []string{"https://cdn.example.com/live/manifest.mpd"}, nil)
}

func TestCodecsInheritance(t *testing.T) {
	tests := []struct {
		name string
		rep  string
		want string
	}{
		{"inherited from adaptation set", `<Representation id="r"/>`, "a"},
		{"own codecs win", `<Representation id="r" codecs="b"/>`, "b"},
		{"supplemental codecs appended", `<Representation id="r" codecs="dvh1.05.06" scte214:supplementalCodecs="hvc1.2.4.L153"/>`, "dvh1.05.06,hvc1.2.4.L153"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := mustDoc(t, `<MPD xmlns:scte214="urn:scte:dash:scte214-extensions"><Period><AdaptationSet codecs="a">`+tt.rep+`</AdaptationSet></Period></MPD>`)
			period := CreateFrame(child(root.Node, "Period"), root)
			assert.Equal(t, "", period.Codecs)
			as := CreateFrame(child(period.Node, "AdaptationSet"), period)
			rep := CreateFrame(child(as.Node, "Representation"), as)
			assert.Equal(t, tt.want, rep.Codecs)
		})
	}
}

func TestAvailabilityTimeOffsetAccumulates(t *testing.T) {
	root := mustDoc(t, `<MPD>
  <Period>
    <AdaptationSet>
      <SegmentTemplate availabilityTimeOffset="2.0" media="$Number$.m4s" duration="2"/>
      <Representation id="v">
        <SegmentTemplate availabilityTimeOffset="0.5"/>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`)
	period := CreateFrame(child(root.Node, "Period"), root)
	as := CreateFrame(child(period.Node, "AdaptationSet"), period)
	rep := CreateFrame(child(as.Node, "Representation"), as)

	assert.InDelta(t, 2.0, as.AvailabilityTimeOffset, 1e-9)
	assert.InDelta(t, 2.5, rep.AvailabilityTimeOffset, 1e-9)

	require.Equal(t, KindTemplate, rep.Segments.Kind)
	require.Len(t, rep.Segments.Nodes, 2)
	media, ok := rep.Segments.Attr("media")
	require.True(t, ok)
	assert.Equal(t, "$Number$.m4s", media, "unset template attributes fall through to the ancestor")
}

func TestBaseURLAvailabilityTimeOffset(t *testing.T) {
	root := mustDoc(t, `<MPD>
  <BaseURL availabilityTimeOffset="1.5">https://a.example.com/</BaseURL>
  <Period><AdaptationSet><Representation id="v"/></AdaptationSet></Period>
</MPD>`)
	assert.InDelta(t, 1.5, root.AvailabilityTimeOffset, 1e-9)
	assert.Equal(t, []string{"https://a.example.com/"}, root.BaseURIs())
}

func TestBaseURIsResolveAndSteer(t *testing.T) {
	root := mustDoc(t, `<MPD>
  <BaseURL serviceLocation="alpha">https://alpha.example.com/</BaseURL>
  <BaseURL serviceLocation="beta">https://beta.example.com/</BaseURL>
  <Period><BaseURL>p1/</BaseURL></Period>
</MPD>`)
	period := CreateFrame(child(root.Node, "Period"), root)
	assert.Equal(t, []string{"https://alpha.example.com/p1/", "https://beta.example.com/p1/"}, period.BaseURIs())

	period.steer = reverseOrderer{}
	assert.Equal(t, []string{"https://beta.example.com/p1/", "https://alpha.example.com/p1/"}, period.BaseURIs(),
		"ordering is resolved at call time")
}

type reverseOrderer struct{}

func (reverseOrderer) Order(c []BaseURL) []string {
	out := make([]string, 0, len(c))
	for i := len(c) - 1; i >= 0; i-- {
		out = append(out, c[i].URI)
	}
	return out
}

func TestDescriptionKindChange(t *testing.T) {
	root := mustDoc(t, `<MPD><Period>
  <SegmentTemplate media="$Number$.m4s" duration="2"/>
  <AdaptationSet><Representation id="v"><SegmentBase indexRange="0-99"/></Representation></AdaptationSet>
</Period></MPD>`)
	period := CreateFrame(child(root.Node, "Period"), root)
	as := CreateFrame(child(period.Node, "AdaptationSet"), period)
	rep := CreateFrame(child(as.Node, "Representation"), as)

	assert.Equal(t, KindTemplate, as.Segments.Kind)
	assert.Equal(t, KindBase, rep.Segments.Kind)
	assert.Len(t, rep.Segments.Nodes, 1)
}

func TestParseChannels(t *testing.T) {
	root := mustDoc(t, `<MPD><Period><AdaptationSet>
  <AudioChannelConfiguration schemeIdUri="urn:mpeg:mpegB:cicp:ChannelConfiguration" value="6"/>
  <Representation id="a"/>
  <Representation id="b"><AudioChannelConfiguration schemeIdUri="urn:mpeg:dash:23003:3:audio_channel_configuration:2011" value="2"/></Representation>
</AdaptationSet></Period></MPD>`)
	period := CreateFrame(child(root.Node, "Period"), root)
	as := CreateFrame(child(period.Node, "AdaptationSet"), period)
	reps := children(as.Node, "Representation")

	assert.Equal(t, 6, CreateFrame(reps[0], as).Channels)
	assert.Equal(t, 2, CreateFrame(reps[1], as).Channels)
}

func TestParseFrameRate(t *testing.T) {
	r, ok := parseFrameRate("30000/1001")
	require.True(t, ok)
	assert.InDelta(t, 29.97, r, 0.01)

	_, ok = parseFrameRate("0")
	assert.False(t, ok)
}
