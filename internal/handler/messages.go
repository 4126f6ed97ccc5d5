package handler

const (
	msgUnsubscribed = "Anda telah berhenti menerima pesan pengingat. Terima kasih atas waktunya. " +
		"Jika ingin bergabung kembali, silakan hubungi relawan pendamping Anda."

	msgVerificationAccepted = "Terima kasih %s, Anda telah terdaftar. " +
		"Kami akan mengirimkan pengingat minum obat sesuai jadwal."
	msgVerificationDeclined = "Baik, terima kasih atas jawabannya. Kami tidak akan mengirimkan pengingat. " +
		"Relawan tetap siap membantu bila dibutuhkan."

	msgVerificationUnclear = "Mohon maaf, kami belum memahami jawaban Anda. " +
		"Balas YA untuk menerima pengingat obat, atau TIDAK jika tidak berkenan."

	msgReminderConfirmed = "Terima kasih sudah minum obat tepat waktu. Semoga lekas membaik."
	msgReminderMissed    = "Terima kasih infonya. Jangan lupa minum obatnya ya, sesuai petunjuk dokter."
	msgReminderClarify   = "Mohon maaf, apakah obatnya sudah diminum? Balas SUDAH atau BELUM."
	msgReminderHelp      = "Pesan Anda sudah kami terima. Relawan akan segera menghubungi Anda."

	msgGeneralPending = "Halo %s, kami dari layanan pendamping perawatan paliatif. " +
		"Balas YA untuk menerima pengingat obat, atau TIDAK jika tidak berkenan."

	msgGeneralVerified = "Halo %s, pesan Anda sudah kami terima. Relawan akan membalas secepatnya."

	volunteerAlertTemplate = "PERHATIAN: pasien %s (%s) membutuhkan bantuan segera. Alasan: %s. Pesan: %q"
)
