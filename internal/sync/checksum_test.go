package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

func TestComputeChecksum(t *testing.T) {
	product := marketplace.ProductData{
		SKU:        "TEST-SKU-001",
		Barcode:    "1234567890123",
		Name:       "Test Product",
		Price:      99.99,
		Quantity:   4,
		Attributes: map[string]interface{}{"color": "red", "size": "M"},
	}

	hash1, err := ComputeChecksum(product)
	require.NoError(t, err)
	assert.Len(t, hash1, 64, "expected a hex SHA-256")

	// deterministic, attribute map order does not matter
	again := product
	again.Attributes = map[string]interface{}{"size": "M", "color": "red"}
	hash2, err := ComputeChecksum(again)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)

	product.Name = "Modified Product"
	hash3, err := ComputeChecksum(product)
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash3, "checksum should change with content")
}

func TestComputeChecksum_EntityTypeMatters(t *testing.T) {
	inv, err := ComputeChecksum(marketplace.InventoryData{SKU: "A", Quantity: 1})
	require.NoError(t, err)
	price, err := ComputeChecksum(marketplace.PriceData{SKU: "A"})
	require.NoError(t, err)
	assert.NotEqual(t, inv, price)
}

func TestComputeChecksum_Nil(t *testing.T) {
	_, err := ComputeChecksum(nil)
	assert.Error(t, err)
}
