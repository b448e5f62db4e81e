package repositories

import "github.com/ekaya-inc/changeflow/pkg/entity"

var (
	orderType     = entity.NewType("Order")
	orderID       = orderType.ID("id")
	orderCustomer = orderType.Field("customer")
	orderStatus   = orderType.Field("status")

	lineType     = entity.NewType("OrderLine")
	lineID       = lineType.ID("id")
	lineOrderID  = lineType.Field("order_id")
	lineSKU      = lineType.Field("sku")
	lineQuantity = lineType.Field("quantity", entity.WithColumn("qty"))
)

func init() {
	orderType.AddChild(lineType)
}
