// Package consent closes the human-in-the-loop step of delegation.
//
// Handler serves the page at /consent/{id}. The human is identified by a session
// token issued by the site's own login, carried in the agentready_session cookie
// or an Authorization bearer header; its subject must match the request's user.
// The request purpose is rendered as Markdown with raw HTML dropped.
//
// WebhookNotifier tells the agent about the decision by POSTing it to the
// callback URL given at request time. When no callback was given, the approval
// page shows the authorization code to the user instead.
package consent
