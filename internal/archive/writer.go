package archive

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"mailarchive/backend/internal/domain"
	"mailarchive/backend/internal/mailparse"
	"mailarchive/backend/internal/storage/shard"
)

// Writer 把解析后的邮件写入索引数据库和分片文件存储。
//
// 索引写入在单个事务内完成并以 (account, message_id) 为幂等键：
// 同一封邮件第二次到达时不产生新行，也不覆盖已有内容。
// 文件落盘在事务提交之后进行，失败只记录日志，索引行保留
// （路径字段为 null），下一次归档同一封邮件时自动补写。
type Writer struct {
	store     domain.Store
	allocator *shard.Allocator
	logger    *zap.Logger
}

// NewWriter 创建归档写入器。
func NewWriter(store domain.Store, allocator *shard.Allocator, logger *zap.Logger) *Writer {
	return &Writer{
		store:     store,
		allocator: allocator,
		logger:    logger,
	}
}

// Insert 归档一封解析后的邮件，返回索引记录和是否新建。
func (w *Writer) Insert(parsed *mailparse.Email, mailbox *domain.Mailbox) (*domain.Email, bool, error) {
	var (
		email       *domain.Email
		created     bool
		attachments []*domain.Attachment
	)

	err := w.store.Transaction(func(tx domain.Store) error {
		candidate := &domain.Email{
			AccountID: mailbox.AccountID,
			MailboxID: mailbox.ID,
			MessageID: parsed.MessageID,
			Subject:   parsed.Subject,
			Date:      parsed.Date,
			BodyText:  parsed.BodyText,
			BodyHTML:  parsed.BodyHTML,
			DataSize:  parsed.DataSize,
			InReplyTo: parsed.InReplyTo,
			IsSpam:    parsed.IsSpam,
		}

		var err error
		email, created, err = tx.GetOrCreateEmail(candidate)
		if err != nil {
			return err
		}
		if !created {
			// 已归档过：索引不再变动
			return nil
		}

		fromID, err := w.insertCorrespondents(tx, email.ID, parsed.Correspondents)
		if err != nil {
			return err
		}

		if parsed.MailingList != nil && fromID != "" {
			if err := w.insertMailingList(tx, fromID, parsed.MailingList); err != nil {
				return err
			}
		}

		if mailbox.SaveAttachments {
			attachments, err = w.insertAttachmentRows(tx, email.ID, parsed.Attachments)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		w.writeFiles(email, parsed, mailbox, attachments)
		return email, true, nil
	}

	// 此前归档失败留下的缺口在这里补写
	w.heal(email, parsed, mailbox)
	return email, false, nil
}

// insertCorrespondents 建立通讯人及其角色连接，返回第一个发件人的 ID。
// 没有 @ 的地址不建通讯人也不建连接，只记录日志。
func (w *Writer) insertCorrespondents(tx domain.Store, emailID string, parsed []mailparse.Correspondent) (string, error) {
	fromID := ""
	for _, pc := range parsed {
		address := strings.TrimSpace(pc.Address)
		if address == "" || !strings.Contains(address, "@") {
			w.logger.Warn("skipping correspondent with invalid address",
				zap.String("address", pc.Address),
				zap.String("mention", string(pc.Mention)))
			continue
		}

		correspondent, _, err := tx.GetOrCreateCorrespondent(address, pc.Name)
		if err != nil {
			return "", err
		}
		if _, err := tx.GetOrCreateEmailCorrespondent(emailID, correspondent.ID, pc.Mention); err != nil {
			return "", err
		}
		if fromID == "" && pc.Mention == domain.MentionFrom {
			fromID = correspondent.ID
		}
	}
	return fromID, nil
}

func (w *Writer) insertMailingList(tx domain.Store, correspondentID string, parsed *mailparse.MailingList) error {
	list := &domain.MailingList{
		ListID:          parsed.ListID,
		CorrespondentID: correspondentID,
		ListOwner:       parsed.ListOwner,
		ListSubscribe:   parsed.ListSubscribe,
		ListUnsubscribe: parsed.ListUnsubscribe,
		ListPost:        parsed.ListPost,
		ListHelp:        parsed.ListHelp,
		ListArchive:     parsed.ListArchive,
	}
	_, _, err := tx.GetOrCreateMailingList(list)
	return err
}

// insertAttachmentRows 创建附件索引行，文件路径留空等待落盘后回填。
func (w *Writer) insertAttachmentRows(tx domain.Store, emailID string, parsed []mailparse.Attachment) ([]*domain.Attachment, error) {
	rows := make([]*domain.Attachment, 0, len(parsed))
	for _, pa := range parsed {
		row := &domain.Attachment{
			EmailID:            emailID,
			FileName:           pa.FileName,
			ContentType:        pa.ContentType,
			ContentDisposition: pa.ContentDisposition,
			DataSize:           int64(len(pa.Content)),
			Content:            pa.Content,
		}
		if err := tx.CreateAttachment(row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// writeFiles 为一封邮件落盘 eml 和附件。
//
// 子目录按 message_id 分配，同一封邮件的所有文件落在同一个目录里。
// 不同邮件即使携带同名附件也互不干扰。没有待写文件时不分配目录。
func (w *Writer) writeFiles(email *domain.Email, parsed *mailparse.Email, mailbox *domain.Mailbox, attachments []*domain.Attachment) {
	needEML := mailbox.SaveToEML && email.EMLFilepath == nil

	pending := make([]*domain.Attachment, 0, len(attachments))
	for _, row := range attachments {
		if row.Stored() || len(row.Content) == 0 {
			continue
		}
		pending = append(pending, row)
	}

	if !needEML && len(pending) == 0 {
		return
	}

	dir, err := w.allocator.Subdirectory(parsed.MessageID)
	if err != nil {
		w.logger.Error("failed to allocate directory for email",
			zap.String("emailId", email.ID),
			zap.Error(err))
		return
	}

	if needEML {
		w.writeEML(email, parsed, dir)
	}
	w.writeAttachments(pending, dir)
}

// writeEML 把原始邮件字节落盘并回填路径，失败只记录日志。
func (w *Writer) writeEML(email *domain.Email, parsed *mailparse.Email, dir string) {
	path := filepath.Join(dir, shard.CleanName(parsed.MessageID)+".eml")
	if err := shard.StoreFile(path, parsed.Raw); err != nil {
		w.logger.Error("failed to store eml file",
			zap.String("emailId", email.ID),
			zap.Error(err))
		return
	}

	if err := w.store.SetEmailFilepaths(email.ID, &path, nil); err != nil {
		w.logger.Error("failed to record eml filepath",
			zap.String("emailId", email.ID),
			zap.Error(err))
		return
	}
	email.EMLFilepath = &path
}

// writeAttachments 把附件字节写入邮件的子目录并逐个回填路径，
// 单个失败不影响其余。
func (w *Writer) writeAttachments(rows []*domain.Attachment, dir string) {
	for _, row := range rows {
		path := filepath.Join(dir, shard.CleanName(row.FileName))
		if err := shard.StoreFile(path, row.Content); err != nil {
			w.logger.Error("failed to store attachment file",
				zap.String("attachmentId", row.ID),
				zap.String("fileName", row.FileName),
				zap.Error(err))
			continue
		}

		if err := w.store.SetAttachmentFilePath(row.ID, path); err != nil {
			w.logger.Error("failed to record attachment filepath",
				zap.String("attachmentId", row.ID),
				zap.Error(err))
			continue
		}
		row.FilePath = &path
	}
}

// heal 为先前落盘失败的记录补写文件。
func (w *Writer) heal(email *domain.Email, parsed *mailparse.Email, mailbox *domain.Mailbox) {
	pending := make([]*domain.Attachment, 0)
	if mailbox.SaveAttachments {
		rows, err := w.store.ListAttachments(email.ID)
		if err != nil {
			w.logger.Error("failed to list attachments for healing",
				zap.String("emailId", email.ID),
				zap.Error(err))
			return
		}

		byName := make(map[string][]byte, len(parsed.Attachments))
		for _, pa := range parsed.Attachments {
			byName[pa.FileName] = pa.Content
		}

		for i := range rows {
			row := rows[i]
			if row.Stored() {
				continue
			}
			content, ok := byName[row.FileName]
			if !ok {
				continue
			}
			row.Content = content
			pending = append(pending, &row)
		}
	}
	w.writeFiles(email, parsed, mailbox, pending)
}

// Delete 删除邮件的索引记录并移除已落盘的文件。
// 文件移除尽最大努力：失败只记录日志，索引删除照常进行。
func (w *Writer) Delete(email *domain.Email) error {
	if err := w.removeFiles(email); err != nil {
		return err
	}
	return w.store.DeleteEmail(email.ID)
}

// DeleteMailbox 删除邮箱及其守护进程和全部归档，逐封移除已落盘的文件。
func (w *Writer) DeleteMailbox(mailboxID string) error {
	emails, err := w.store.ListEmails(mailboxID)
	if err != nil {
		return err
	}
	for i := range emails {
		if err := w.removeFiles(&emails[i]); err != nil {
			w.logger.Warn("failed to clean up files for email",
				zap.String("emailId", emails[i].ID),
				zap.Error(err))
		}
	}
	return w.store.DeleteMailbox(mailboxID)
}

// DeleteAccount 删除账户及其级联的邮箱、守护进程和全部归档。
func (w *Writer) DeleteAccount(accountID string) error {
	mailboxes, err := w.store.ListMailboxes(accountID)
	if err != nil && err != domain.ErrNotFound {
		return err
	}
	for i := range mailboxes {
		emails, err := w.store.ListEmails(mailboxes[i].ID)
		if err != nil {
			return err
		}
		for j := range emails {
			if err := w.removeFiles(&emails[j]); err != nil {
				w.logger.Warn("failed to clean up files for email",
					zap.String("emailId", emails[j].ID),
					zap.Error(err))
			}
		}
	}
	return w.store.DeleteAccount(accountID)
}

// removeFiles 移除一封邮件已落盘的 eml 和附件文件。
func (w *Writer) removeFiles(email *domain.Email) error {
	attachments, err := w.store.ListAttachments(email.ID)
	if err != nil {
		return err
	}

	if email.EMLFilepath != nil && *email.EMLFilepath != "" {
		if err := os.Remove(*email.EMLFilepath); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("failed to remove eml file",
				zap.String("emailId", email.ID),
				zap.String("path", *email.EMLFilepath),
				zap.Error(err))
		}
	}
	for i := range attachments {
		row := &attachments[i]
		if !row.Stored() {
			continue
		}
		if err := os.Remove(*row.FilePath); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("failed to remove attachment file",
				zap.String("attachmentId", row.ID),
				zap.String("path", *row.FilePath),
				zap.Error(err))
		}
	}
	return nil
}
