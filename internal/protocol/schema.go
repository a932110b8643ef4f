package protocol

// Schema names accepted by Validate.
const (
	SchemaEnvelope         = "envelope"
	SchemaIdentify         = "identify"
	SchemaIdentified       = "identified"
	SchemaMessage          = "message"
	SchemaPresence         = "presence"
	SchemaConversationList = "conversation_list"
	SchemaConversationItem = "conversation_item"
	SchemaMessageList      = "message_list"
	SchemaSendResult       = "send_result"
	SchemaMarkReadResult   = "mark_read_result"
)

var schemaSources = map[string]string{
	SchemaEnvelope:         envelopeSchema,
	SchemaIdentify:         identifySchema,
	SchemaIdentified:       identifiedSchema,
	SchemaMessage:          messageSchema,
	SchemaPresence:         presenceSchema,
	SchemaConversationList: conversationListSchema,
	SchemaConversationItem: conversationItemSchema,
	SchemaMessageList:      messageListSchema,
	SchemaSendResult:       sendResultSchema,
	SchemaMarkReadResult:   markReadResultSchema,
}

const envelopeSchema = `{
  "type": "object",
  "required": ["type", "payload"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "payload": { "type": "object" }
  },
  "additionalProperties": true
}`

const identifySchema = `{
  "type": "object",
  "required": ["role", "sessionId", "displayName"],
  "properties": {
    "role": { "enum": ["staff", "customer", "guest"] },
    "sessionId": { "type": ["string", "null"] },
    "displayName": { "type": "string" },
    "profileRef": {
      "type": ["object", "null"],
      "properties": {
        "email": { "type": "string" },
        "phone": { "type": "string" }
      }
    }
  },
  "additionalProperties": true
}`

const identifiedSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": { "enum": ["success", "failure"] },
    "resolvedRole": { "enum": ["staff", "customer", "guest", ""] },
    "resolvedSessionId": { "type": "string" },
    "reason": { "type": "string" }
  },
  "if": { "properties": { "status": { "const": "success" } } },
  "then": { "required": ["status", "resolvedRole", "resolvedSessionId"] },
  "additionalProperties": true
}`

const messageSchema = `{
  "type": "object",
  "required": ["conversationId", "senderId", "senderRole", "text", "createdAt"],
  "properties": {
    "conversationId": { "type": "string", "minLength": 1 },
    "senderId": { "type": "string", "minLength": 1 },
    "senderRole": { "enum": ["staff", "customer", "guest"] },
    "text": { "type": "string" },
    "createdAt": { "type": "string", "minLength": 1 },
    "deliveryId": { "type": "string" },
    "deliveryState": { "enum": ["pending", "confirmed", "failed"] }
  },
  "additionalProperties": true
}`

const presenceSchema = `{
  "type": "object",
  "required": ["conversationId", "status"],
  "properties": {
    "conversationId": { "type": "string", "minLength": 1 },
    "status": { "enum": ["active", "idle"] },
    "priority": { "enum": ["normal", "high"] },
    "tags": { "type": "array", "items": { "type": "string" } }
  },
  "additionalProperties": true
}`

const conversationSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "counterpartName": { "type": "string" },
    "lastMessageText": { "type": "string" },
    "lastMessageAt": { "type": ["string", "null"] },
    "unreadCount": { "type": "integer", "minimum": 0 },
    "status": { "enum": ["active", "idle", ""] },
    "priority": { "enum": ["normal", "high", ""] },
    "tags": { "type": ["array", "null"], "items": { "type": "string" } }
  },
  "additionalProperties": true
}`

const conversationListSchema = `{
  "type": "object",
  "required": ["conversations"],
  "properties": {
    "conversations": { "type": "array", "items": ` + conversationSchema + ` }
  },
  "additionalProperties": true
}`

const conversationItemSchema = `{
  "type": "object",
  "required": ["conversation"],
  "properties": {
    "conversation": ` + conversationSchema + `
  },
  "additionalProperties": true
}`

const messageListSchema = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "messages": { "type": "array", "items": ` + messageSchema + ` }
  },
  "additionalProperties": true
}`

const sendResultSchema = `{
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": { "type": "boolean" },
    "messageId": { "type": "string" },
    "error": { "type": "string" }
  },
  "if": { "properties": { "success": { "const": true } } },
  "then": { "required": ["success", "messageId"], "properties": { "messageId": { "minLength": 1 } } },
  "additionalProperties": true
}`

const markReadResultSchema = `{
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": { "type": "boolean" }
  },
  "additionalProperties": true
}`
