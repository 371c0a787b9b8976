package recall

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const samplePack = `[MEMORY CONTEXT]
User prefers dark roast coffee.
[/MEMORY CONTEXT]
[NUGGETS]
Works at a bakery.
[/NUGGETS]
You know this user as Sam.
Recent conversation covered sourdough starters.`

func TestSanitize(t *testing.T) {
	t.Run("should return raw pack for first-person questions", func(t *testing.T) {
		out := Sanitize("what do you remember about me?", samplePack, false)
		assert.Equal(t, samplePack, out)
	})

	t.Run("should return raw pack for possessive first person", func(t *testing.T) {
		out := Sanitize("remind me what my coffee order is", samplePack, false)
		assert.Equal(t, samplePack, out)
	})

	t.Run("should suppress pack for third-person public-topic questions", func(t *testing.T) {
		out := Sanitize("what's the latest on his immigration policy?", samplePack, false)
		assert.Empty(t, out)
	})

	t.Run("should suppress pack for they plus news", func(t *testing.T) {
		out := Sanitize("what did they announce in the news today?", samplePack, false)
		assert.Empty(t, out)
	})

	t.Run("should strip tagged sections for ambiguous questions", func(t *testing.T) {
		out := Sanitize("how long does sourdough take to proof?", samplePack, false)

		assert.NotContains(t, out, "[MEMORY CONTEXT]")
		assert.NotContains(t, out, "[NUGGETS]")
		assert.NotContains(t, out, "dark roast")
		assert.NotContains(t, out, "You know this user as")
		assert.Contains(t, out, "sourdough starters")
		assert.Contains(t, out, contextFooter)
	})

	t.Run("should return empty when stripping removes everything", func(t *testing.T) {
		pack := "[NUGGETS]\nonly nuggets here\n[/NUGGETS]"
		out := Sanitize("how tall is that building?", pack, false)
		assert.Empty(t, out)
	})

	t.Run("should bypass policy entirely on cold greetings", func(t *testing.T) {
		out := Sanitize("what's the latest on his immigration policy?", samplePack, true)
		assert.Equal(t, samplePack, out)
	})

	t.Run("should keep third-person questions without a public topic", func(t *testing.T) {
		out := Sanitize("how tall is she?", samplePack, false)
		assert.Contains(t, out, "sourdough starters")
	})

	t.Run("should handle empty pack", func(t *testing.T) {
		assert.Empty(t, Sanitize("anything at all", "", false))
	})
}
