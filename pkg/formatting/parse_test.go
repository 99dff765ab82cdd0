package formatting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func TestParseJSON(t *testing.T) {
	t.Run("bare object", func(t *testing.T) {
		raw, err := ParseJSON(`  {"sku": "A-1", "quantity": 2} `)
		require.NoError(t, err)
		assert.JSONEq(t, `{"sku":"A-1","quantity":2}`, string(raw))
	})

	t.Run("json fence", func(t *testing.T) {
		raw, err := ParseJSON("```json\n{\"sku\":\"A-1\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, `{"sku":"A-1"}`, string(raw))
	})

	t.Run("fence without language on one line", func(t *testing.T) {
		raw, err := ParseJSON("``` {\"sku\":\"B\"} ```")
		require.NoError(t, err)
		assert.Equal(t, `{"sku":"B"}`, string(raw))
	})

	t.Run("fence with surrounding prose", func(t *testing.T) {
		raw, err := ParseJSON("Here is the order:\n```json\n[1,2]\n```\nThanks")
		require.NoError(t, err)
		assert.Equal(t, `[1,2]`, string(raw))
	})

	t.Run("bare object with fences in a value", func(t *testing.T) {
		raw, err := ParseJSON("{\"notes\": \"customer pasted ```SKU-1``` in body\", \"order_number\": \"PO-1\"}")
		require.NoError(t, err)
		assert.JSONEq(t, `{"notes":"customer pasted `+"```SKU-1```"+` in body","order_number":"PO-1"}`, string(raw))
	})

	t.Run("prose is rejected", func(t *testing.T) {
		_, err := ParseJSON("I could not find an order in this email.")
		assert.ErrorIs(t, err, ErrParseFailed)
	})

	t.Run("scalar is rejected", func(t *testing.T) {
		_, err := ParseJSON(`"just a string"`)
		assert.ErrorIs(t, err, ErrParseFailed)
	})

	t.Run("truncated object is rejected", func(t *testing.T) {
		_, err := ParseJSON(`{"sku": "A-1",`)
		assert.ErrorIs(t, err, ErrParseFailed)
	})

	t.Run("empty is rejected", func(t *testing.T) {
		_, err := ParseJSON("")
		assert.ErrorIs(t, err, ErrParseFailed)
	})
}

func TestParse(t *testing.T) {
	got, err := Parse[lineItem]("```json\n{\"sku\":\"C-9\",\"quantity\":4}\n```")
	require.NoError(t, err)
	assert.Equal(t, lineItem{SKU: "C-9", Quantity: 4}, got)

	_, err = Parse[lineItem](`[1,2,3]`)
	assert.ErrorIs(t, err, ErrParseFailed)
}
