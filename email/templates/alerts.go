// Package templates provides email alert templates
package templates

import "fmt"

type StorageAlertProps struct {
	KioskID    string
	UsedBytes  int64
	MaxBytes   int64
	QueueDepth int
}

func GetStorageAlertContent(props StorageAlertProps) string {
	content := GetHeading(fmt.Sprintf("Kiosk %s needs attention", props.KioskID)) +
		GetParagraph("The kiosk's durable store is full and a survey submission could not be saved.") +
		GetParagraph(fmt.Sprintf("Store usage: <strong>%d</strong> of <strong>%d</strong> bytes.", props.UsedBytes, props.MaxBytes)) +
		GetParagraph(fmt.Sprintf("Pending submissions waiting for sync: <strong>%d</strong>.", props.QueueDepth)) +
		GetParagraph("Restore connectivity so the queue can drain, or service the kiosk directly.")

	return content
}
