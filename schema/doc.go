// Package schema validates message bodies against per-type schemas.
//
// Schemas can be registered in code or loaded from YAML. A validator plugs
// into the bus as a filter: inbound messages that fail validation are
// treated as handler faults and follow the retry and dead-letter path,
// outgoing messages that fail are returned to the sender as errors.
//
//	v := schema.NewValidator()
//	v.Register("OrderPlaced", &schema.Schema{
//		Required: []string{"orderId"},
//		Properties: map[string]*schema.Property{
//			"orderId": {Type: "string", Format: "uuid"},
//			"total":   {Type: "number", Minimum: schema.Float(0)},
//		},
//	})
//	bus.UseOutgoing(schema.Filter(v))
package schema
