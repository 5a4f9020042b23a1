package events

const (
	TopicOrders    = "orders-topic"
	TopicInventory = "inventory-topic"

	GroupInventoryService = "inventory-service-group"
	GroupOrderService     = "order-service-group"
)

// Partition key = orderId, so every event of one order keeps its order.
func PartitionKey(orderID string) string { return orderID }
