// Package events defines the wire contract shared by all services: topic
// names and the JSON payloads that travel on them. Payload field names are
// frozen; changing a tag is a breaking protocol change.
package events

// Pubsub component name carried in every envelope, kept for compatibility
// with consumers that filter on it.
const PubsubName = "rabbitmq-pubsub"

// Service names as they appear in votes, audit fields and registries.
const (
	ServiceBilling   = "billing-service"
	ServiceAccounts  = "accounts-service"
	ServiceInventory = "inventory-service"
	ServicePayment   = "payment-service"
)

// Invoice saga topics.
const (
	TopicInventoryCheck       = "inventory-check"
	TopicInventoryResponse    = "inventory-response"
	TopicCustomerCheck        = "customer-check"
	TopicCustomerResponse     = "customer-response"
	TopicPaymentRequest       = "payment-request"
	TopicPaymentCompleted     = "payment-completed"
	TopicPaymentFailed        = "payment-failed"
	TopicCompensateInventory  = "compensate-inventory"
	TopicInventoryCompensated = "inventory-compensated"
	TopicBillingCompensate    = "billing-compensate"
	TopicInvoiceNotification  = "invoice-notification"
)

// Customer deletion saga topics.
const (
	TopicDeletionRequest   = "customer.deletion.request"
	TopicDeletionResponse  = "customer.deletion.response"
	TopicDeletionResult    = "customer.deletion.result"
	TopicDeletionCompleted = "customer.deletion.completed"
)

// AllTopics lists every topic, in publish order of the sagas. The broker
// declares one exchange per entry at startup so publishers and consumers
// never race on topology.
func AllTopics() []string {
	return []string{
		TopicInventoryCheck,
		TopicInventoryResponse,
		TopicCustomerCheck,
		TopicCustomerResponse,
		TopicPaymentRequest,
		TopicPaymentCompleted,
		TopicPaymentFailed,
		TopicCompensateInventory,
		TopicInventoryCompensated,
		TopicBillingCompensate,
		TopicInvoiceNotification,
		TopicDeletionRequest,
		TopicDeletionResponse,
		TopicDeletionResult,
		TopicDeletionCompleted,
	}
}

// ActionCheckForBilling marks verification requests issued by the invoice
// orchestrator.
const ActionCheckForBilling = "check_for_billing"

// ActionValidateDeletion marks deletion vote requests.
const ActionValidateDeletion = "validate_customer_deletion"

// CompensationRestoreInventory is the only compensation type the inventory
// handler applies; together with (invoice_id, product_id) it forms the
// idempotency key.
const CompensationRestoreInventory = "restore_inventory"

// ExpectedDeletionParticipants is the voter set the coordinator waits on.
// Every member must vote can_delete=true, or stay silent past the deadline,
// before a deletion commits.
func ExpectedDeletionParticipants() []string {
	return []string{ServiceBilling, ServiceInventory, ServicePayment}
}

// InventoryCheck asks inventory to check and reserve stock for an invoice.
type InventoryCheck struct {
	InvoiceID string `json:"invoice_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Action    string `json:"action"`
}

// InventoryResponse is inventory's verdict. When Available is true the
// requested quantity has already been deducted from stock.
type InventoryResponse struct {
	InvoiceID         string  `json:"invoice_id"`
	ProductID         string  `json:"product_id"`
	QuantityRequested int     `json:"quantity_requested"`
	Available         bool    `json:"available"`
	RemainingStock    int     `json:"remaining_stock"`
	UnitPrice         float64 `json:"unit_price"`
	Message           string  `json:"message"`
}

// CustomerCheck asks accounts to verify the customer on an invoice.
type CustomerCheck struct {
	InvoiceID     string `json:"invoice_id"`
	CustomerID    string `json:"customer_id"`
	CustomerEmail string `json:"customer_email"`
	Action        string `json:"action"`
}

// CustomerResponse is accounts' verification verdict. CustomerCreated is
// true when the customer was provisioned on the fly from the check's email.
type CustomerResponse struct {
	InvoiceID       string `json:"invoice_id"`
	CustomerID      string `json:"customer_id"`
	CustomerExists  bool   `json:"customer_exists"`
	CustomerCreated bool   `json:"customer_created"`
	Error           string `json:"error,omitempty"`
	Timestamp       string `json:"timestamp"`
	Service         string `json:"service"`
}

// PaymentRequest asks the payment service to authorize a charge. Field
// names are camelCase on the wire; the payment consumer predates the
// snake_case convention the other topics use.
type PaymentRequest struct {
	InvoiceID   string  `json:"invoiceId"`
	OrderID     string  `json:"orderId"`
	Amount      float64 `json:"amount"`
	CustomerID  string  `json:"customerId"`
	ProductID   string  `json:"productId"`
	Currency    string  `json:"currency"`
	Description string  `json:"description"`
	RequestedBy string  `json:"requestedBy"`
}

// PaymentCompleted reports a successful authorization.
type PaymentCompleted struct {
	InvoiceID     string  `json:"invoice_id"`
	OrderID       string  `json:"order_id"`
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status"`
}

// PaymentFailed reports a declined or failed authorization.
type PaymentFailed struct {
	InvoiceID    string `json:"invoice_id"`
	OrderID      string `json:"order_id"`
	Reason       string `json:"reason"`
	ErrorDetails string `json:"error_details,omitempty"`
}

// CompensateInventory commands inventory to restore previously reserved
// stock after a saga failure, timeout or cancellation.
type CompensateInventory struct {
	InvoiceID        string `json:"invoice_id"`
	ProductID        string `json:"product_id"`
	Quantity         int    `json:"quantity"`
	Reason           string `json:"reason"`
	CompensationType string `json:"compensation_type"`
	TriggeredBy      string `json:"triggered_by"`
}

// InventoryCompensated confirms (or denies) a restock. Redeliveries of the
// same compensation produce identical confirmations.
type InventoryCompensated struct {
	InvoiceID              string `json:"invoice_id"`
	ProductID              string `json:"product_id"`
	QuantityRestored       int    `json:"quantity_restored"`
	CurrentStock           int    `json:"current_stock"`
	CompensationSuccessful bool   `json:"compensation_successful"`
	Reason                 string `json:"reason,omitempty"`
	Error                  string `json:"error,omitempty"`
}

// BillingCompensate lets an external service cancel an invoice.
type BillingCompensate struct {
	InvoiceID   string `json:"invoice_id"`
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
}

// InvoiceNotification announces a terminal invoice status.
type InvoiceNotification struct {
	InvoiceID     string `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	CustomerID    string `json:"customer_id"`
	CustomerEmail string `json:"customer_email"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// DeletionRequest broadcasts a customer deletion vote to all participants.
type DeletionRequest struct {
	CustomerID          string   `json:"customer_id"`
	RequestedBy         string   `json:"requested_by"`
	Timestamp           string   `json:"timestamp"`
	Action              string   `json:"action"`
	ExpectedServices    []string `json:"expected_services"`
	TimeoutSeconds      int      `json:"timeout_seconds"`
	SilenceMeansConsent bool     `json:"silence_means_consent"`
}

// DeletionResponse is one participant's vote.
type DeletionResponse struct {
	CustomerID     string `json:"customer_id"`
	ServiceName    string `json:"service_name"`
	CanDelete      bool   `json:"can_delete"`
	BlockingReason string `json:"blocking_reason,omitempty"`
	ValidatedAt    string `json:"validated_at"`
}

// BlockedBy names one vetoing service and its reason.
type BlockedBy struct {
	Service string `json:"service"`
	Reason  string `json:"reason"`
}

// DeletionOutcome is the coordinator's final verdict.
type DeletionOutcome struct {
	Success    bool        `json:"success"`
	Decision   string      `json:"decision"`
	CustomerID string      `json:"customer_id"`
	Method     string      `json:"method,omitempty"`
	BlockedBy  []BlockedBy `json:"blocked_by,omitempty"`
	Message    string      `json:"message"`
}

// Decision and method values used in DeletionOutcome.
const (
	DecisionCustomerDeleted   = "customer_deleted"
	DecisionDeletionCancelled = "deletion_cancelled"
	MethodConsensus           = "consensus"
	MethodSilenceTimeout      = "silence_timeout"
)

// DeletionResult is the final-decision broadcast sent to every participant.
type DeletionResult struct {
	CustomerID     string          `json:"customer_id"`
	DeletionResult DeletionOutcome `json:"deletion_result"`
	Timestamp      string          `json:"timestamp"`
	NotifiedBy     string          `json:"notified_by"`
}

// DeletionCompleted announces a committed deletion.
type DeletionCompleted struct {
	CustomerID  string `json:"customer_id"`
	Method      string `json:"method"`
	CompletedAt string `json:"completed_at"`
}
