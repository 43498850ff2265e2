package bot

const (
	msgHelp = `<b>Mailgram</b> reads your Gmail from here.

/login connect a Gmail account
/accounts list, switch or unlink accounts
/inbox [n] latest messages
/unread [n] unread messages
/starred [n] starred messages
/search &lt;query&gt; Gmail search, e.g. <code>from:alice has:attachment</code>
/logout disconnect the active account`

	msgNoAccount    = "No Gmail account is connected. Send /login to connect one."
	msgFailure      = "Gmail did not respond. Please try again in a moment."
	msgAuthFailed   = "Authorization failed. Send /login to try again."
	msgNotFound     = "That message no longer exists."
	msgExpired      = "This button has expired. Send /inbox to start again."
	msgEmptyList    = "No messages here."
	msgUnknown      = "Unknown command. Send /help to see what I can do."
	msgSearchUsage  = "Usage: /search &lt;query&gt;"
	msgTrashed      = "Moved to trash."
	msgLoggedOut    = "Disconnected %s."
	msgLinked       = "Connected <b>%s</b>. Send /inbox to read your mail."
	msgLoginPrompt  = "Open the link below to connect a Gmail account. It is valid for 10 minutes."
	msgNoAccounts   = "No accounts connected yet. Send /login to add one."
	msgAccountsHead = "<b>Connected accounts</b>"
)
